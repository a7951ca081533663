package sdk

import (
	"fmt"
	"net/url"
)

func (c *Client) Health() (Health, error) {
	var h Health
	err := c.get("/healthz", &h)
	return h, err
}

// RunJob triggers billing, sweep or health on the daemon and waits for the
// run's report. A run already in progress yields an *APIError with 409.
func (c *Client) RunJob(name string) (JobReport, error) {
	var report JobReport
	if err := c.post("/jobs/"+url.PathEscape(name), nil, &report); err != nil {
		return nil, fmt.Errorf("running %s: %w", name, err)
	}
	return report, nil
}

func (c *Client) AuditLogs(limit int) ([]AuditEntry, error) {
	var logs []AuditEntry
	err := c.get(fmt.Sprintf("/audit?limit=%d", limit), &logs)
	return logs, err
}
