package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ecairns22/otad/internal/config"
	"github.com/ecairns22/otad/internal/history"
)

const defaultAddr = "http://localhost:8443"

// apiClient is a thin wrapper around the three in-scope HTTP endpoints.
type apiClient struct {
	baseURL string
	http    *http.Client
}

// buildClient resolves the daemon address from --addr, $OTADCTL_ADDR,
// or the built-in default, in that order.
func buildClient(cmd *cobra.Command) *apiClient {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = os.Getenv("OTADCTL_ADDR")
	}
	if addr == "" {
		addr = defaultAddr
	}
	return &apiClient{baseURL: addr, http: &http.Client{Timeout: 10 * time.Second}}
}

type apiError struct {
	Code    string
	Message string
	Status  int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func (c *apiClient) post(path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(resp.Body)
		json.Unmarshal(raw, &payload)
		return &apiError{Code: payload.Error, Message: payload.Message, Status: resp.StatusCode}
	}
	return nil
}

type progressPayload struct {
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Error    string `json:"error"`
}

func (c *apiClient) progress() (*progressPayload, error) {
	resp, err := c.http.Get(c.baseURL + "/api/v1.0/progress")
	if err != nil {
		return nil, fmt.Errorf("calling /api/v1.0/progress: %w", err)
	}
	defer resp.Body.Close()

	var p progressPayload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding progress response: %w", err)
	}
	return &p, nil
}

// openHistory opens the history ledger directly, the same way the
// daemon does, bypassing HTTP since no history endpoint is in scope.
func openHistory(cmd *cobra.Command) (*history.Ledger, func(), error) {
	dbPath, _ := cmd.Flags().GetString("db")
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("resolving history db path: %w (pass --db explicitly)", err)
		}
		dbPath = cfg.Engine.HistoryDBPath
	}

	ledger, err := history.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening history db %s: %w", dbPath, err)
	}
	return ledger, func() { ledger.Close() }, nil
}
