package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// defaultEndpoint is where a locally running daemon serves its admin API.
const defaultEndpoint = "http://localhost:9090"

// defaultListLimit caps listings unless --limit says otherwise.
const defaultListLimit = 20

// requestTimeout bounds every admin API request.
const requestTimeout = 5 * time.Second

// adminEndpoint resolves the admin API base URL from the flag value, the
// environment, or the default.
func adminEndpoint(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	if endpoint := os.Getenv("RDMAMON_ENDPOINT"); endpoint != "" {
		return endpoint
	}

	return defaultEndpoint
}

// fetchJSON issues a GET against url and decodes the JSON response into v.
func fetchJSON(url string, v interface{}) error {
	return doJSON(http.MethodGet, url, v)
}

// postJSON issues a bodyless POST against url and decodes the JSON
// response into v.
func postJSON(url string, v interface{}) error {
	return doJSON(http.MethodPost, url, v)
}

func doJSON(method, url string, v interface{}) error {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: requestTimeout}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, resp.Status)
		}

		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	return json.NewDecoder(resp.Body).Decode(v)
}
