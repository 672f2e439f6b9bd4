package sms

import (
	"context"
	"fmt"
	"net/http"
)

// APIBaseURL is the Twilio REST host probed for reachability.
const APIBaseURL = "https://api.twilio.com"

// Probe returns a reachability check for the Twilio API host. Any HTTP
// response counts as reachable, including 401 and 404: the probe never
// sends credentials and only proves DNS, TCP and TLS work.
func Probe(client *http.Client, baseURL string) func(ctx context.Context) error {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = APIBaseURL
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
		if err != nil {
			return fmt.Errorf("twilio probe: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("twilio probe: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("twilio probe: %s", resp.Status)
		}
		return nil
	}
}
