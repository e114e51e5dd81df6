package webhook

// Job is a single pending, in-flight, or failed webhook delivery
// record, matching the WebhookJob data model.
type Job struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	Event       string         `json:"event"`
	Payload     any            `json:"payload"`
	Timestamp   int64          `json:"ts"`
	Attempts    int            `json:"attempts"`
	LastAttempt int64          `json:"lastAttempt,omitempty"`
	Errors      []JobError     `json:"errors"`
}

// JobError is one bounded audit-trail entry appended per retry attempt.
type JobError struct {
	Timestamp int64  `json:"ts"`
	Error     string `json:"error"`
}

// body is the wire shape POSTed to the sink.
type body struct {
	SessionID string `json:"sessionId"`
	Event     string `json:"event"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"ts"`
}

func (j *Job) body() body {
	return body{SessionID: j.SessionID, Event: j.Event, Payload: j.Payload, Timestamp: j.Timestamp}
}

// EnqueueResult is returned by Engine.Enqueue.
type EnqueueResult struct {
	OK     bool
	ID     string
	Reason string
}

// Stats is returned by Engine.Stats.
type Stats struct {
	Pending     int64
	Processing  int64
	Failed      int64
	IsProcessing bool
}
