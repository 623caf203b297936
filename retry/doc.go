// Package retry decides whether a failed item gets another attempt and
// when.
//
// It has three parts:
//
//   - [Classifier] maps an error to an [opqueue.ErrorCode] and decides
//     whether that code is retryable.
//   - [Breakers] keeps one circuit breaker per resource so that a failing
//     backend stops receiving traffic until it recovers.
//   - [Manager] arms a timer per retry and calls back when the item is
//     due again.
package retry
