package api

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
)

// AuditRequest is the payload of POST /api/audits. Unset fields fall back
// to the configured defaults.
type AuditRequest struct {
	URL     string `json:"url"`
	ID      string `json:"id,omitempty"`
	ColdRun *bool  `json:"coldRun,omitempty"`
}

func (r AuditRequest) validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url must use http or https")
	}
	if u.Host == "" {
		return errors.New("url is missing a host")
	}
	return nil
}

func (r AuditRequest) host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// requestFromQuery reads an AuditRequest from url, id and coldRun query
// parameters.
func requestFromQuery(q url.Values) (AuditRequest, error) {
	req := AuditRequest{URL: q.Get("url"), ID: q.Get("id")}
	if raw := q.Get("coldRun"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return AuditRequest{}, errors.New("coldRun must be a boolean")
		}
		req.ColdRun = &v
	}
	return req, nil
}

type errorResponse struct {
	Error string `json:"error"`
}
