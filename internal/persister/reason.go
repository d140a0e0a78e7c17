package persister

// FailureReason classifies why a page could not be persisted. Reasons are
// recorded per URL in the batch result and exported as metric labels, so
// operators can tell a provider outage from a run of empty pages.
type FailureReason string

// Page failure reasons
const (
	ReasonNoEmbeddingModel FailureReason = "NO_EMBEDDING_MODEL"
	ReasonMissingProvider  FailureReason = "MISSING_PROVIDER"
	ReasonEmptyContent     FailureReason = "EMPTY_CONTENT"
	ReasonNoChunks         FailureReason = "NO_CHUNKS"
	ReasonEmbeddingTimeout FailureReason = "EMBEDDING_TIMEOUT"
	ReasonEmbeddingError   FailureReason = "EMBEDDING_ERROR"
	ReasonDBError          FailureReason = "DB_ERROR"
)

// Result is the outcome of one persisted batch. A page appears in exactly
// one of SuccessfulURLs or FailuresByReason; pages cut by the byte budget
// appear in neither and are picked up by the next run.
type Result struct {
	SuccessCount     int
	FailedCount      int
	SuccessfulURLs   []string
	FailuresByReason map[FailureReason][]string
}

// NewResult returns an empty result ready for accumulation
func NewResult() *Result {
	return &Result{FailuresByReason: make(map[FailureReason][]string)}
}

func (r *Result) success(url string) {
	r.SuccessCount++
	r.SuccessfulURLs = append(r.SuccessfulURLs, url)
}

func (r *Result) fail(url string, reason FailureReason) {
	r.FailedCount++
	r.FailuresByReason[reason] = append(r.FailuresByReason[reason], url)
}

// Merge folds another batch's outcome into r. The task runner uses it to
// accumulate one result across all batches of a crawl.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.SuccessCount += other.SuccessCount
	r.FailedCount += other.FailedCount
	r.SuccessfulURLs = append(r.SuccessfulURLs, other.SuccessfulURLs...)
	for reason, urls := range other.FailuresByReason {
		r.FailuresByReason[reason] = append(r.FailuresByReason[reason], urls...)
	}
}
