package uws

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// JobInfo is an immutable snapshot of a job status document.
type JobInfo struct {
	JobID             string
	RunID             string
	OwnerID           string
	Phase             string
	Version           string
	QuoteTime         time.Time
	StartTime         time.Time
	EndTime           time.Time
	Destruction       time.Time
	ExecutionDuration int64 // seconds; 0 means unlimited
	Parameters        []Parameter
	Results           []Result
	Error             *ErrorSummary
}

// Parameter is a job parameter as reported by the service.
type Parameter struct {
	ID          string
	Value       string
	ByReference bool
	IsPost      bool
}

// Result is a job result reference.
type Result struct {
	ID       string
	Href     string
	MimeType string
	Size     int64
}

// ErrorSummary describes why a job failed.
type ErrorSummary struct {
	Message   string
	Fatal     bool
	HasDetail bool
}

// Result returns the result with the given id.
func (i *JobInfo) Result(id string) (Result, bool) {
	if i == nil {
		return Result{}, false
	}
	for _, r := range i.Results {
		if r.ID == id {
			return r, true
		}
	}
	return Result{}, false
}

// Parameter returns the value of the named parameter, matched case-insensitively.
func (i *JobInfo) Parameter(id string) (string, bool) {
	if i == nil {
		return "", false
	}
	for _, p := range i.Parameters {
		if strings.EqualFold(p.ID, id) {
			return p.Value, true
		}
	}
	return "", false
}

// StatusReader turns a job status document into a JobInfo.
type StatusReader interface {
	ReadJobInfo(r io.Reader) (*JobInfo, error)
}

// StatusReaderFunc adapts a function to StatusReader.
type StatusReaderFunc func(r io.Reader) (*JobInfo, error)

func (f StatusReaderFunc) ReadJobInfo(r io.Reader) (*JobInfo, error) { return f(r) }

// XMLStatusReader reads UWS job documents.
//
// Element and attribute names are matched on their local part only, so the
// reader accepts documents from services that use any namespace prefix or
// none. It returns ErrNoJob when the document contains no job element.
type XMLStatusReader struct{}

type xmlJob struct {
	Version           string        `xml:"version,attr"`
	JobID             string        `xml:"jobId"`
	RunID             string        `xml:"runId"`
	OwnerID           string        `xml:"ownerId"`
	Phase             string        `xml:"phase"`
	Quote             string        `xml:"quote"`
	StartTime         string        `xml:"startTime"`
	EndTime           string        `xml:"endTime"`
	ExecutionDuration string        `xml:"executionDuration"`
	Destruction       string        `xml:"destruction"`
	Parameters        []xmlParam    `xml:"parameters>parameter"`
	Results           []xmlResult   `xml:"results>result"`
	ErrorSummary      *xmlErrorSumm `xml:"errorSummary"`
}

type xmlParam struct {
	ID          string `xml:"id,attr"`
	ByReference string `xml:"byReference,attr"`
	IsPost      string `xml:"isPost,attr"`
	Value       string `xml:",chardata"`
}

type xmlResult struct {
	ID       string `xml:"id,attr"`
	Href     string `xml:"href,attr"`
	MimeType string `xml:"mime-type,attr"`
	MimeAlt  string `xml:"mimeType,attr"`
	Size     string `xml:"size,attr"`
}

type xmlErrorSumm struct {
	Type      string `xml:"type,attr"`
	HasDetail string `xml:"hasDetail,attr"`
	Message   string `xml:"message"`
}

func (XMLStatusReader) ReadJobInfo(r io.Reader) (*JobInfo, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, ErrNoJob
		}
		if err != nil {
			return nil, fmt.Errorf("parse job document: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "job" {
			continue
		}
		var xj xmlJob
		if err := dec.DecodeElement(&xj, &start); err != nil {
			return nil, fmt.Errorf("parse job element: %w", err)
		}
		return xj.toInfo(), nil
	}
}

func (xj *xmlJob) toInfo() *JobInfo {
	info := &JobInfo{
		JobID:       strings.TrimSpace(xj.JobID),
		RunID:       strings.TrimSpace(xj.RunID),
		OwnerID:     strings.TrimSpace(xj.OwnerID),
		Phase:       strings.TrimSpace(xj.Phase),
		Version:     strings.TrimSpace(xj.Version),
		QuoteTime:   parseTime(xj.Quote),
		StartTime:   parseTime(xj.StartTime),
		EndTime:     parseTime(xj.EndTime),
		Destruction: parseTime(xj.Destruction),
	}
	if d, err := strconv.ParseInt(strings.TrimSpace(xj.ExecutionDuration), 10, 64); err == nil {
		info.ExecutionDuration = d
	}
	for _, p := range xj.Parameters {
		info.Parameters = append(info.Parameters, Parameter{
			ID:          p.ID,
			Value:       p.Value,
			ByReference: parseBool(p.ByReference),
			IsPost:      parseBool(p.IsPost),
		})
	}
	for _, r := range xj.Results {
		res := Result{ID: r.ID, Href: r.Href, MimeType: r.MimeType}
		if res.MimeType == "" {
			res.MimeType = r.MimeAlt
		}
		if n, err := strconv.ParseInt(r.Size, 10, 64); err == nil {
			res.Size = n
		}
		info.Results = append(info.Results, res)
	}
	if es := xj.ErrorSummary; es != nil {
		info.Error = &ErrorSummary{
			Message:   strings.TrimSpace(es.Message),
			Fatal:     !strings.EqualFold(es.Type, "transient"),
			HasDetail: parseBool(es.HasDetail),
		}
	}
	return info
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTime parses the ISO-8601 forms seen in UWS documents. Values without
// a zone are taken as UTC. Unparseable values yield the zero time.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// FormatTime renders t in the ISO-8601 UTC form UWS services accept.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
