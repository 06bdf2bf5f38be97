// Package upstreamtest provides an in-process stand-in for a PyPI-style index
// that counts every request it serves, for tests that need to assert how
// often the upstream is touched.
package upstreamtest

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/any-hub/pypi-gateway/internal/digest"
)

// File 是上游某个版本下的一个分发文件。
type File struct {
	Name    string
	Version string
	Content []byte
}

// Project 描述一个上游项目；Files 的顺序即 JSON releases 中的顺序。
type Project struct {
	Name    string
	Summary string
	Files   []File
}

// Server 是带请求计数的上游桩。
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	projects map[string]Project
	served   map[string][]byte
	failures map[string]int
	hits     map[string]int
}

// NewServer 启动桩服务并在测试结束时关闭。
func NewServer(t testing.TB, projects ...Project) *Server {
	t.Helper()
	s := &Server{
		projects: make(map[string]Project, len(projects)),
		served:   map[string][]byte{},
		failures: map[string]int{},
		hits:     map[string]int{},
	}
	for _, p := range projects {
		s.projects[p.Name] = p
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// ServeContent 让 /packages/<name> 返回与 simple 页面摘要不一致的内容。
func (s *Server) ServeContent(filename string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.served[filename] = content
}

// FailFile 让 /packages/<name> 始终返回 status。
func (s *Server) FailFile(filename string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[filename] = status
}

// Hits 返回某个路径被请求的次数。
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// TotalHits 返回全部请求次数。
func (s *Server) TotalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.hits {
		total += n
	}
	return total
}

// FileHits 汇总 /packages/ 下的下载次数。
func (s *Server) FileHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for path, n := range s.hits {
		if strings.HasPrefix(path, "/packages/") {
			total += n
		}
	}
	return total
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	s.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "simple":
		s.serveSimple(w, parts[1])
	case len(parts) == 3 && parts[0] == "pypi" && parts[2] == "json":
		s.serveListing(w, parts[1])
	case len(parts) == 4 && parts[0] == "pypi" && parts[3] == "json":
		s.serveRelease(w, parts[1], parts[2])
	case len(parts) == 2 && parts[0] == "packages":
		s.serveFile(w, parts[1])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) project(name string) (Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[name]
	return p, ok
}

func (s *Server) fileURL(name string) string {
	return s.URL + "/packages/" + name
}

func (s *Server) serveSimple(w http.ResponseWriter, name string) {
	p, ok := s.project(name)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><body><h1>Links for %s</h1>\n", html.EscapeString(name))
	for _, f := range p.Files {
		fmt.Fprintf(w, "<a href=\"%s#%s\">%s</a><br/>\n",
			html.EscapeString(s.fileURL(f.Name)), digest.Bytes(f.Content).Fragment(), html.EscapeString(f.Name))
	}
	fmt.Fprint(w, "</body></html>\n")
}

func (s *Server) serveListing(w http.ResponseWriter, name string) {
	p, ok := s.project(name)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	releases := map[string][]map[string]interface{}{}
	for _, f := range p.Files {
		releases[f.Version] = append(releases[f.Version], s.fileEntry(f))
	}
	writeJSON(w, map[string]interface{}{
		"info":     s.info(p, latest(p)),
		"releases": releases,
	})
}

func (s *Server) serveRelease(w http.ResponseWriter, name, version string) {
	p, ok := s.project(name)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	urls := []map[string]interface{}{}
	for _, f := range p.Files {
		if f.Version == version {
			urls = append(urls, s.fileEntry(f))
		}
	}
	if len(urls) == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{
		"info": s.info(p, version),
		"urls": urls,
	})
}

func (s *Server) serveFile(w http.ResponseWriter, filename string) {
	s.mu.Lock()
	override, overridden := s.served[filename]
	failStatus := s.failures[filename]
	var content []byte
	found := false
	for _, p := range s.projects {
		for _, f := range p.Files {
			if f.Name == filename {
				content, found = f.Content, true
			}
		}
	}
	s.mu.Unlock()

	if failStatus != 0 {
		http.Error(w, http.StatusText(failStatus), failStatus)
		return
	}
	if overridden {
		content, found = override, true
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(content)
}

func (s *Server) fileEntry(f File) map[string]interface{} {
	return map[string]interface{}{
		"filename": f.Name,
		"url":      s.fileURL(f.Name),
		"digests":  map[string]string{"sha256": digest.Bytes(f.Content).Hex()},
		"size":     len(f.Content),
	}
}

func (s *Server) info(p Project, version string) map[string]interface{} {
	return map[string]interface{}{
		"name":    p.Name,
		"summary": p.Summary,
		"version": version,
	}
}

func latest(p Project) string {
	versions := make([]string, 0, len(p.Files))
	for _, f := range p.Files {
		versions = append(versions, f.Version)
	}
	sort.Strings(versions)
	if len(versions) == 0 {
		return ""
	}
	return versions[len(versions)-1]
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
