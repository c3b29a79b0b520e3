// Package bulk batches write operations on the client side and dispatches
// the batches concurrently.
//
// Operations are accumulated until one of three thresholds is crossed:
// the operation count, the estimated byte volume, or the age of the open
// batch. A sealed batch is handed to an Executor while at most a fixed
// number of batches are in flight; producers block once that bound is
// reached.
package bulk
