package crawler

import (
	"net/http"
	"sort"
	"time"
)

// CheckpointVersion is the checkpoint format version written by this build.
const CheckpointVersion = 1

// TaskState tracks a FetchTask through its lifecycle.
type TaskState string

const (
	// TaskPending marks a task that is waiting in the queue.
	TaskPending TaskState = "pending"
	// TaskInFlight marks a task held by a worker.
	TaskInFlight TaskState = "in_flight"
	// TaskRetryPending marks a task waiting out its backoff delay.
	TaskRetryPending TaskState = "retry_pending"
	// TaskSuccess is terminal: the record was fetched and parsed.
	TaskSuccess TaskState = "success"
	// TaskFailed is terminal: the error was non-retryable or attempts ran out.
	TaskFailed TaskState = "failed"
)

// Terminal reports whether the state is Success or Failed.
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed
}

// ResultStatus is the terminal status recorded for an identifier.
type ResultStatus string

const (
	// StatusSuccess records a parsed amount due.
	StatusSuccess ResultStatus = "success"
	// StatusFailed records a terminal failure and its reason.
	StatusFailed ResultStatus = "failed"
)

// FetchTask is one identifier's unit of work.
type FetchTask struct {
	Identifier string
	Attempt    int
	State      TaskState
	LastErr    error
}

// FetchRequest describes a single fetch attempt.
type FetchRequest struct {
	Identifier string
	Attempt    int
}

// RawResponse is the HTTP payload returned by a Fetcher.
type RawResponse struct {
	Identifier string
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Payment is one row of a record's payment history.
type Payment struct {
	TaxYear         string   `json:"tax_year"`
	TransactionDate string   `json:"transaction_date"`
	EffectiveDate   string   `json:"effective_date,omitempty"`
	Amount          *float64 `json:"amount,omitempty"`
	AmountText      string   `json:"amount_text,omitempty"`
	Receipt         string   `json:"receipt,omitempty"`
}

// PaymentDateLayout is the layout of payment history dates (MM-DD-YYYY).
const PaymentDateLayout = "01-02-2006"

// ParsedResult holds the structured fields extracted from a record page.
type ParsedResult struct {
	AmountDue     float64
	AmountDueText string
	Payments      []Payment
}

// LatestPayment returns the payment with the most recent transaction date.
// Rows whose date does not parse are ignored.
func (p ParsedResult) LatestPayment() (Payment, bool) {
	var (
		latest   Payment
		latestAt time.Time
		found    bool
	)
	for _, payment := range p.Payments {
		at, err := time.Parse(PaymentDateLayout, payment.TransactionDate)
		if err != nil {
			continue
		}
		if !found || at.After(latestAt) {
			latest, latestAt, found = payment, at, true
		}
	}
	return latest, found
}

// FetchResult is the terminal outcome recorded for an identifier.
type FetchResult struct {
	Identifier  string       `json:"identifier"`
	Status      ResultStatus `json:"status"`
	AmountDue   *float64     `json:"amount_due,omitempty"`
	Payments    []Payment    `json:"payments,omitempty"`
	LastPayment *Payment     `json:"last_payment,omitempty"`
	Attempts    int          `json:"attempts"`
	ErrorKind   string       `json:"error_kind,omitempty"`
	Error       string       `json:"error,omitempty"`
	StatusCode  int          `json:"status_code,omitempty"`
	ContentHash string       `json:"content_hash,omitempty"`
	FetchedAt   time.Time    `json:"fetched_at"`
}

// Cursor records run progress alongside the results in a checkpoint.
type Cursor struct {
	Total    int   `json:"total"`
	Attempts int   `json:"attempts"`
	Seq      int64 `json:"seq"`
}

// Checkpoint is the durable snapshot of terminal results for a run.
type Checkpoint struct {
	Version   int
	RunID     string
	Results   map[string]FetchResult
	Cursor    Cursor
	LastFlush time.Time
}

// NewCheckpoint returns an empty checkpoint for runID.
func NewCheckpoint(runID string) Checkpoint {
	return Checkpoint{
		Version: CheckpointVersion,
		RunID:   runID,
		Results: make(map[string]FetchResult),
	}
}

// IsTerminal reports whether identifier already has a terminal result.
func (c Checkpoint) IsTerminal(identifier string) bool {
	_, ok := c.Results[identifier]
	return ok
}

// Counts returns the number of successful and failed results.
func (c Checkpoint) Counts() (succeeded, failed int) {
	for _, res := range c.Results {
		switch res.Status {
		case StatusSuccess:
			succeeded++
		case StatusFailed:
			failed++
		}
	}
	return succeeded, failed
}

// SortedResults returns every result ordered by identifier.
func (c Checkpoint) SortedResults() []FetchResult {
	out := make([]FetchResult, 0, len(c.Results))
	for _, res := range c.Results {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// FailedResults returns the failed results ordered by identifier.
func (c Checkpoint) FailedResults() []FetchResult {
	var out []FetchResult
	for _, res := range c.SortedResults() {
		if res.Status == StatusFailed {
			out = append(out, res)
		}
	}
	return out
}

// Clone returns a deep copy of the results map.
func (c Checkpoint) Clone() Checkpoint {
	clone := c
	clone.Results = make(map[string]FetchResult, len(c.Results))
	for id, res := range c.Results {
		clone.Results[id] = res
	}
	return clone
}

// Merge applies results keyed by identifier (last write wins) and advances
// the cursor. Attempts never move backwards.
func (c *Checkpoint) Merge(results []FetchResult, cursor Cursor, at time.Time) {
	if c.Results == nil {
		c.Results = make(map[string]FetchResult, len(results))
	}
	for _, res := range results {
		c.Results[res.Identifier] = res
	}
	if cursor.Total > 0 {
		c.Cursor.Total = cursor.Total
	}
	if cursor.Attempts > c.Cursor.Attempts {
		c.Cursor.Attempts = cursor.Attempts
	}
	c.Cursor.Seq++
	c.LastFlush = at
}

// RunSummary reports the outcome of a run. Succeeded + Failed + Remaining
// always equals Total.
type RunSummary struct {
	RunID       string `json:"run_id"`
	Total       int    `json:"total"`
	Attempted   int    `json:"attempted"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	Remaining   int    `json:"remaining"`
	Skipped     int    `json:"skipped"`
	Flushes     int    `json:"flushes"`
	Interrupted bool   `json:"interrupted"`
}
