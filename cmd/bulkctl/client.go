package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// client talks to the bulk upload API.
type client struct {
	base  string
	user  string
	token string
	http  *http.Client
}

func newClient(base, user, token string) *client {
	return &client{
		base:  strings.TrimRight(base, "/") + "/bulk-upload",
		user:  user,
		token: token,
		http:  &http.Client{Timeout: 5 * time.Minute},
	}
}

type apiError struct {
	Status  int
	Kind    string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

func (c *client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}
	return req, nil
}

func (c *client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return nil, apiErr
	}
	return resp, nil
}

// call performs a request and decodes a JSON reply into out when non-nil.
func (c *client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// upload streams a spreadsheet as multipart/form-data.
func (c *client) upload(ctx context.Context, path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/process", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out map[string]any
	return out, json.NewDecoder(resp.Body).Decode(&out)
}

// download writes the report of jobID to dst.
func (c *client) download(ctx context.Context, jobID, dst string) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/report/"+url.PathEscape(jobID), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.send(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

type jobStatus struct {
	JobID        string  `json:"job_id"`
	Status       string  `json:"status"`
	Stage        string  `json:"stage"`
	Progress     int     `json:"progress_percentage"`
	RowsTotal    int     `json:"rows_total"`
	RowsSuccess  int     `json:"rows_success"`
	RowsFailed   int     `json:"rows_failed"`
	ErrorMessage *string `json:"error_message"`
}

func (j jobStatus) settled() bool {
	switch j.Status {
	case "completed", "failed", "cancelled", "rate_limited":
		return true
	}
	return false
}

// wait polls a job until it settles, reporting each change through onChange.
func (c *client) wait(ctx context.Context, jobID string, every time.Duration, onChange func(jobStatus)) (jobStatus, error) {
	var last jobStatus
	for {
		var st jobStatus
		if err := c.call(ctx, http.MethodGet, "/status/"+url.PathEscape(jobID), nil, &st); err != nil {
			return last, err
		}
		if st != last && onChange != nil {
			onChange(st)
		}
		last = st
		if st.settled() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(every):
		}
	}
}
