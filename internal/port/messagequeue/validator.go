package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// callbackJobSchema mirrors the wire shape of a callback job for
// structural validation. Only the fields delivery depends on are checked.
type callbackJobSchema struct {
	JobID     string `json:"job_id"`
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation
// (future-proof for new message types).
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch {
	case subject == SubjectCallbackDispatch:
		var job callbackJobSchema
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if job.JobID == "" || job.SessionID == "" {
			return fmt.Errorf("callback job on %s missing job_id or session_id", subject)
		}
		if !strings.HasPrefix(job.URL, "http://") && !strings.HasPrefix(job.URL, "https://") {
			return fmt.Errorf("callback job on %s has non-http url %q", subject, job.URL)
		}
		return nil
	default:
		return nil
	}
}
