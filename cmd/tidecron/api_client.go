package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultClientTimeout is the default timeout for control server requests.
const DefaultClientTimeout = 10 * time.Second

var apiClient = &http.Client{
	Timeout: DefaultClientTimeout,
}

// apiGet performs a GET request against the control server.
func apiGet(path string) ([]byte, error) {
	resp, err := apiClient.Get(apiAddr + path)
	if err != nil {
		return nil, fmt.Errorf("control server request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("control server error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// apiPost performs a POST request against the control server.
func apiPost(path string, data interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	resp, err := apiClient.Post(apiAddr+path, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("control server request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("control server error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// apiDelete performs a DELETE request against the control server.
func apiDelete(path string) error {
	req, err := http.NewRequest(http.MethodDelete, apiAddr+path, nil)
	if err != nil {
		return err
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("control server request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("control server error (%d): %s", resp.StatusCode, string(body))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
