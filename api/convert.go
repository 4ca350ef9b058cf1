package api

import "github.com/PROACTIVA-US/pipelinehardening/domain"

// FromResult converts a domain.TestResult into its wire view.
func FromResult(r domain.TestResult) TestResultView {
	return TestResultView{
		RequestID:    string(r.RequestID),
		Status:       string(r.Status),
		TasksPassed:  r.TasksPassed,
		TasksFailed:  r.TasksFailed,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		DurationSecs: r.Duration().Seconds(),
		ErrorMessage: r.ErrorMessage,
		ReportPath:   r.ReportPath,
	}
}

// FromReport converts a domain.SessionReport into a ResultsResponse, given
// the session id it was produced under (the core itself never allocates
// one; the caller's transport layer owns session identity).
func FromReport(sessionID string, r domain.SessionReport) ResultsResponse {
	results := make([]TestResultView, 0, len(r.Results))
	for _, res := range r.Results {
		results = append(results, FromResult(res))
	}
	return ResultsResponse{
		SessionID:    sessionID,
		Status:       string(r.Status),
		Total:        r.Summary.Total,
		Completed:    r.Summary.Completed,
		Failed:       r.Summary.Failed,
		Results:      results,
		Warnings:     r.Warnings,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		DurationSecs: r.Duration().Seconds(),
	}
}

// FromStatus converts a lock-light domain.Summary snapshot into a
// StatusResponse.
func FromStatus(sessionID string, status domain.SessionStatus, s domain.Summary) StatusResponse {
	return StatusResponse{
		SessionID: sessionID,
		Status:    string(status),
		Total:     s.Total,
		Completed: s.Completed,
		Failed:    s.Failed,
		Pending:   s.Pending,
		Running:   s.Running,
	}
}
