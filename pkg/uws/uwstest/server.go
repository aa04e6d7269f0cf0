// Package uwstest provides an in-process UWS/VOSI service for tests.
//
// Jobs follow a scripted phase sequence: each status read returns the next
// phase and the last phase repeats. Counters record what the client did.
package uwstest

import (
	"encoding/xml"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AuthHeader is the VO header naming the authenticated identity.
const AuthHeader = "X-VO-Authenticated"

// Job is the server-side state of one fake job.
type Job struct {
	ID string

	mu         sync.Mutex
	phases     []string
	onRun      []string
	reads      int
	deletes    int
	deleted    bool
	params     map[string]string
	uploads    map[string]string
	phasePosts []string
	waits      []string
	posts      map[string]string
	errorText  string
}

// Reads returns how many status reads the job has served.
func (j *Job) Reads() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.reads
}

// Deletes returns how many DELETE requests the job has received.
func (j *Job) Deletes() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.deletes
}

// Params returns the string parameters the job was created with.
func (j *Job) Params() map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]string, len(j.params))
	for k, v := range j.params {
		out[k] = v
	}
	return out
}

// Upload returns the content of an uploaded stream parameter.
func (j *Job) Upload(name string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, ok := j.uploads[name]
	return v, ok
}

// PhasePosts returns the PHASE values posted, in order.
func (j *Job) PhasePosts() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.phasePosts...)
}

// Posted returns the last value posted to a sub-resource such as
// "destruction" or "executionduration".
func (j *Job) Posted(resource string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, ok := j.posts[resource]
	return v, ok
}

// Waits returns the WAIT query values seen on status reads ("" for none).
func (j *Job) Waits() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.waits...)
}

// SetErrorText sets the body served at {job}/error.
func (j *Job) SetErrorText(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errorText = s
}

// Script replaces the phase sequence and restarts it.
func (j *Job) Script(phases ...string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.phases = append([]string(nil), phases...)
	j.reads = 0
}

func (j *Job) nextPhase() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	i := j.reads
	if i >= len(j.phases) {
		i = len(j.phases) - 1
	}
	j.reads++
	if i < 0 {
		return "PENDING"
	}
	return j.phases[i]
}

// Server is a fake UWS service rooted at /async with VOSI /tables and
// /capabilities resources.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	jobs         map[string]*Job
	nextID       int
	createStatus int
	omitLocation bool
	version      string
	identity     string
	tables       string
	capabilities string
	requests     map[string]int
}

// NewServer starts a Server and closes it when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		jobs:     make(map[string]*Job),
		requests: make(map[string]int),
	}

	r := chi.NewRouter()
	r.Use(s.count)
	r.Use(middleware.GetHead)
	r.Route("/async", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Delete("/", s.handleDelete)
			r.Post("/phase", s.handlePhase)
			r.Post("/{resource}", s.handlePost)
			r.Get("/error", s.handleError)
			r.Get("/results/result", s.handleResult)
		})
	})
	r.Get("/tables", s.handleStatic(func() string { return s.tables }))
	r.Get("/capabilities", s.handleStatic(func() string { return s.capabilities }))

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.Method+" "+r.URL.Path]++
		identity := s.identity
		s.mu.Unlock()
		if identity != "" {
			w.Header().Set(AuthHeader, identity)
		}
		next.ServeHTTP(w, r)
	})
}

// Requests returns how many requests matched method and path.
func (s *Server) Requests(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method+" "+path]
}

// Endpoint returns the job list URL.
func (s *Server) Endpoint() string { return s.URL + "/async" }

// JobURL returns the URL of the job with the given id.
func (s *Server) JobURL(id string) string { return s.URL + "/async/" + id }

// AddJob registers a job with a phase script.
func (s *Server) AddJob(id string, phases ...string) *Job {
	j := &Job{ID: id, phases: phases, params: map[string]string{}, posts: map[string]string{}}
	s.mu.Lock()
	s.jobs[id] = j
	s.mu.Unlock()
	return j
}

// Job returns the job with the given id.
func (s *Server) Job(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// SetCreateStatus makes job creation answer with code. Zero restores 303.
func (s *Server) SetCreateStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createStatus = code
}

// SetOmitLocation makes job creation answer 303 without Location.
func (s *Server) SetOmitLocation(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitLocation = omit
}

// SetVersion sets the version attribute written on job documents.
func (s *Server) SetVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// SetIdentity makes every response carry the authenticated identity header.
func (s *Server) SetIdentity(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

// SetTables sets the VOSI tableset document.
func (s *Server) SetTables(doc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = doc
}

// SetCapabilities sets the VOSI capabilities document.
func (s *Server) SetCapabilities(doc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capabilities = doc
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *Job {
	s.mu.Lock()
	j := s.jobs[chi.URLParam(r, "jobID")]
	s.mu.Unlock()
	if j == nil {
		http.NotFound(w, r)
		return nil
	}
	j.mu.Lock()
	deleted := j.deleted
	j.mu.Unlock()
	if deleted {
		http.NotFound(w, r)
		return nil
	}
	return j
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status, omit := s.createStatus, s.omitLocation
	s.mu.Unlock()

	if status != 0 && status != http.StatusSeeOther {
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, "job creation refused with %d", status)
		return
	}

	params, uploads, err := readForm(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.nextID++
	id := "job" + strconv.Itoa(s.nextID)
	j := &Job{
		ID:      id,
		phases:  []string{"PENDING"},
		onRun:   []string{"QUEUED", "EXECUTING", "COMPLETED"},
		params:  params,
		uploads: uploads,
		posts:   map[string]string{},
	}
	s.jobs[id] = j
	s.mu.Unlock()

	if !omit {
		// Relative, as many services send it.
		w.Header().Set("Location", "async/"+id)
	}
	w.WriteHeader(http.StatusSeeOther)
}

func readForm(r *http.Request) (map[string]string, map[string]string, error) {
	params := map[string]string{}
	uploads := map[string]string{}

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "multipart/form-data" {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, nil, err
		}
		for k, v := range r.MultipartForm.Value {
			params[k] = v[0]
		}
		for k, fhs := range r.MultipartForm.File {
			f, err := fhs[0].Open()
			if err != nil {
				return nil, nil, err
			}
			b, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				return nil, nil, err
			}
			uploads[k] = string(b)
		}
		return params, uploads, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, nil, err
	}
	for k, v := range r.PostForm {
		params[k] = v[0]
	}
	return params, uploads, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	j := s.lookup(w, r)
	if j == nil {
		return
	}
	phase := j.nextPhase()

	j.mu.Lock()
	j.waits = append(j.waits, r.URL.Query().Get("WAIT"))
	j.mu.Unlock()

	s.mu.Lock()
	version := s.version
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/xml")
	_, _ = io.WriteString(w, s.renderJob(j, phase, version))
}

func (s *Server) renderJob(j *Job, phase, version string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<uws:job xmlns:uws="http://www.ivoa.net/xml/UWS/v1.0" xmlns:xlink="http://www.w3.org/1999/xlink"`)
	if version != "" {
		b.WriteString(` version="` + escape(version) + `"`)
	}
	b.WriteString(">\n")
	b.WriteString("  <uws:jobId>" + escape(j.ID) + "</uws:jobId>\n")
	b.WriteString("  <uws:runId/>\n  <uws:ownerId/>\n")
	b.WriteString("  <uws:phase>" + escape(phase) + "</uws:phase>\n")
	b.WriteString("  <uws:executionDuration>0</uws:executionDuration>\n")

	params := j.Params()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("  <uws:parameters>\n")
	for _, k := range keys {
		b.WriteString(`    <uws:parameter id="` + escape(k) + `">` + escape(params[k]) + "</uws:parameter>\n")
	}
	b.WriteString("  </uws:parameters>\n")

	b.WriteString("  <uws:results>\n")
	if strings.TrimSpace(phase) == "COMPLETED" {
		href := s.JobURL(j.ID) + "/results/result"
		b.WriteString(`    <uws:result id="result" xlink:href="` + escape(href) + `"/>` + "\n")
	}
	b.WriteString("  </uws:results>\n")

	if strings.TrimSpace(phase) == "ERROR" {
		j.mu.Lock()
		msg := j.errorText
		j.mu.Unlock()
		b.WriteString(`  <uws:errorSummary type="fatal" hasDetail="true"><uws:message>` + escape(msg) + "</uws:message></uws:errorSummary>\n")
	}
	b.WriteString("</uws:job>\n")
	return b.String()
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	j := s.lookup(w, r)
	if j == nil {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	phase := r.PostForm.Get("PHASE")

	j.mu.Lock()
	j.phasePosts = append(j.phasePosts, phase)
	switch phase {
	case "RUN":
		if len(j.onRun) > 0 {
			j.phases = j.onRun
			j.reads = 0
		}
	case "ABORT":
		j.phases = []string{"ABORTED"}
		j.reads = 0
	}
	j.mu.Unlock()

	w.Header().Set("Location", s.JobURL(j.ID))
	w.WriteHeader(http.StatusSeeOther)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	j := s.lookup(w, r)
	if j == nil {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resource := chi.URLParam(r, "resource")
	value := r.PostForm.Get(strings.ToUpper(resource))

	j.mu.Lock()
	j.posts[resource] = value
	j.mu.Unlock()

	w.Header().Set("Location", s.JobURL(j.ID))
	w.WriteHeader(http.StatusSeeOther)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	j := s.lookup(w, r)
	if j == nil {
		return
	}
	j.mu.Lock()
	j.deletes++
	j.deleted = true
	j.mu.Unlock()

	w.Header().Set("Location", s.Endpoint())
	w.WriteHeader(http.StatusSeeOther)
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request) {
	j := s.lookup(w, r)
	if j == nil {
		return
	}
	j.mu.Lock()
	msg := j.errorText
	j.mu.Unlock()
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, msg)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if j := s.lookup(w, r); j == nil {
		return
	}
	w.Header().Set("Content-Type", "application/x-votable+xml")
	_, _ = io.WriteString(w, "<VOTABLE/>")
}

func (s *Server) handleStatic(doc func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		body := doc()
		s.mu.Unlock()
		if body == "" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, body)
	}
}
