// Package queue carries document processing jobs between ingest and the
// worker pool. Redis Streams back the deployment path; the in-memory queue
// serves tests and single-node development.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Job is one unit of processing work. Resume jobs (Retry, Rebuild) skip the
// machine's entry transition because the document was already repositioned
// at PROCESSING by the caller.
type Job struct {
	DocumentID string `json:"document_id"`
	Resume     bool   `json:"resume,omitempty"`
}

// Marshal encodes the job payload.
func (j Job) Marshal() []byte {
	b, _ := json.Marshal(j)
	return b
}

// UnmarshalJob decodes a job payload.
func UnmarshalJob(data []byte) (Job, error) {
	var j Job
	err := json.Unmarshal(data, &j)
	return j, err
}

// Queue is the transport between ingest and workers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks up to the given duration. A nil job with nil error
	// means nothing was available.
	Dequeue(ctx context.Context, consumer string, block time.Duration) (msgID string, job *Job, err error)
	// Ack marks a delivered message processed. Workers ack after the run so
	// crashes redeliver; the store's conditional writes make redelivery a
	// no-op.
	Ack(ctx context.Context, msgID string) error
	AddDLQ(ctx context.Context, job Job, reason string) error
	Depths(ctx context.Context) (ready, dlq int64, err error)
	Close() error
}
