/*
Package backpressure pauses and resumes the subscription around broker
consumer lag, and bounds the in-process queue.

A periodic sampler reads the subscription's lag. At or above the
high-water mark the subscription pauses; once lag falls below the
low-water mark it resumes. The gap between the marks provides
hysteresis so the consumer does not flap.

CanProcessMessage gates dispatch on the in-process queue bound; callers
reject without acknowledging when it returns false and let the broker
redeliver once capacity returns.
*/
package backpressure
