package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/any-hub/pypi-gateway/internal/cache"
	"github.com/any-hub/pypi-gateway/internal/config"
	"github.com/any-hub/pypi-gateway/internal/digest"
	"github.com/any-hub/pypi-gateway/internal/upstream"
	"github.com/any-hub/pypi-gateway/internal/upstream/upstreamtest"
)

var fooProject = upstreamtest.Project{
	Name:    "foo",
	Summary: "foo package",
	Files: []upstreamtest.File{
		{Name: "foo-1.0.tar.gz", Version: "1.0", Content: []byte("foo 1.0 sdist")},
		{Name: "foo-1.0-py3-none-any.whl", Version: "1.0", Content: []byte("foo 1.0 wheel")},
		{Name: "foo-2.0.tar.gz", Version: "2.0", Content: []byte("foo 2.0 sdist")},
	},
}

var barProject = upstreamtest.Project{
	Name: "bar",
	Files: []upstreamtest.File{
		{Name: "bar-0.1.tar.gz", Version: "0.1", Content: []byte("bar 0.1")},
	},
}

type fixture struct {
	stub     *upstreamtest.Server
	fileDir  string
	jsonDir  string
	files    cache.Store
	metadata cache.Store
	logger   *logrus.Logger
	hook     *logtest.Hook
}

func newFixture(t *testing.T, projects ...upstreamtest.Project) *fixture {
	t.Helper()
	f := &fixture{
		stub:    upstreamtest.NewServer(t, projects...),
		fileDir: t.TempDir(),
		jsonDir: t.TempDir(),
	}
	var err error
	if f.files, err = cache.NewStore(f.fileDir); err != nil {
		t.Fatalf("file store: %v", err)
	}
	if f.metadata, err = cache.NewStore(f.jsonDir); err != nil {
		t.Fatalf("metadata store: %v", err)
	}
	f.logger, f.hook = logtest.NewNullLogger()
	return f
}

func (f *fixture) builder() *Builder {
	client := upstream.NewClient(f.stub.Client(), f.stub.URL, f.logger)
	return NewBuilder(client, f.files, f.metadata, f.logger, Options{MaxWorkers: 4})
}

func (f *fixture) warnings(message string) int {
	count := 0
	for _, entry := range f.hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == message {
			count++
		}
	}
	return count
}

func readDoc(t *testing.T, dir, name, version string) upstream.Release {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name, version, cache.MetadataFile))
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	var release upstream.Release
	if err := json.Unmarshal(data, &release); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	return release
}

func TestEnsurePackagesMaterializesCaches(t *testing.T) {
	f := newFixture(t, fooProject, barProject)
	pkgs := []config.Package{
		{Name: "foo", Specs: []string{"foo-1.0.tar.gz", "foo-2.0.tar.gz"}},
		{Name: "bar", Specs: []string{"bar-0.1.tar.gz"}},
	}

	if err := f.builder().EnsurePackages(context.Background(), pkgs); err != nil {
		t.Fatalf("EnsurePackages error: %v", err)
	}

	for _, spec := range []string{"foo-1.0.tar.gz", "foo-2.0.tar.gz", "bar-0.1.tar.gz"} {
		if _, err := os.Stat(filepath.Join(f.fileDir, spec)); err != nil {
			t.Fatalf("expected cached file %s: %v", spec, err)
		}
	}
	if _, err := os.Stat(filepath.Join(f.fileDir, "foo-1.0-py3-none-any.whl")); !os.IsNotExist(err) {
		t.Fatalf("unrequested files must not be downloaded")
	}

	doc := readDoc(t, f.jsonDir, "foo", "1.0")
	if len(doc.URLs) != 1 || doc.URLs[0].Filename != "foo-1.0.tar.gz" {
		t.Fatalf("metadata must be restricted to requested specs, got %+v", doc.URLs)
	}
	if !bytes.Contains(doc.Info, []byte(`"summary":"foo package"`)) {
		t.Fatalf("info should be copied from upstream: %s", doc.Info)
	}
	if doc := readDoc(t, f.jsonDir, "bar", "0.1"); len(doc.URLs) != 1 {
		t.Fatalf("unexpected bar metadata %+v", doc.URLs)
	}
}

func TestEnsurePackagesIsIdempotent(t *testing.T) {
	f := newFixture(t, fooProject)
	pkgs := []config.Package{{Name: "foo", Specs: []string{"foo-1.0.tar.gz", "foo-2.0.tar.gz"}}}

	if err := f.builder().EnsurePackages(context.Background(), pkgs); err != nil {
		t.Fatalf("first run error: %v", err)
	}
	filesBefore := f.stub.FileHits()
	releaseBefore := f.stub.Hits("/pypi/foo/1.0/json") + f.stub.Hits("/pypi/foo/2.0/json")

	second := f.builder()
	if err := second.EnsurePackages(context.Background(), pkgs); err != nil {
		t.Fatalf("second run error: %v", err)
	}
	if got := f.stub.FileHits(); got != filesBefore {
		t.Fatalf("second run must not download files, hits %d -> %d", filesBefore, got)
	}
	if got := f.stub.Hits("/pypi/foo/1.0/json") + f.stub.Hits("/pypi/foo/2.0/json"); got != releaseBefore {
		t.Fatalf("second run must not fetch release metadata, hits %d -> %d", releaseBefore, got)
	}
	stats := second.Stats()
	if stats.FilesSkipped != 2 || stats.DocsSkipped != 2 || stats.FilesDownloaded != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestEnsurePackagesReplacesCorruptedFile(t *testing.T) {
	f := newFixture(t, fooProject)
	pkgs := []config.Package{{Name: "foo", Specs: []string{"foo-1.0.tar.gz", "foo-2.0.tar.gz"}}}
	if err := f.builder().EnsurePackages(context.Background(), pkgs); err != nil {
		t.Fatalf("first run error: %v", err)
	}

	corrupted := filepath.Join(f.fileDir, "foo-2.0.tar.gz")
	if err := os.WriteFile(corrupted, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}

	b := f.builder()
	if err := b.EnsurePackages(context.Background(), pkgs); err != nil {
		t.Fatalf("rebuild error: %v", err)
	}
	if got := f.stub.Hits("/packages/foo-2.0.tar.gz"); got != 2 {
		t.Fatalf("corrupted file should be downloaded again, hits=%d", got)
	}
	if got := f.stub.Hits("/packages/foo-1.0.tar.gz"); got != 1 {
		t.Fatalf("intact file must not be downloaded again, hits=%d", got)
	}
	d, err := digest.File(corrupted)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if !d.Equal(digest.Bytes([]byte("foo 2.0 sdist"))) {
		t.Fatalf("replaced file should match the upstream digest")
	}
	if stats := b.Stats(); stats.FilesReplaced != 1 || stats.FilesDownloaded != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestEnsurePackagesSkipsMissingSpec(t *testing.T) {
	f := newFixture(t, fooProject)
	pkgs := []config.Package{{Name: "foo", Specs: []string{"foo-1.0.tar.gz", "foo-9.9.tar.gz"}}}

	if err := f.builder().EnsurePackages(context.Background(), pkgs); err != nil {
		t.Fatalf("missing spec must not fail the run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.fileDir, "foo-1.0.tar.gz")); err != nil {
		t.Fatalf("other specs should still materialize: %v", err)
	}
	if got := f.warnings("link_missing"); got != 1 {
		t.Fatalf("expected exactly one link_missing warning, got %d", got)
	}
	if got := f.warnings("version_missing"); got != 0 {
		t.Fatalf("a spec without link should only warn once, got %d version warnings", got)
	}
}

func TestEnsurePackagesRejectsDigestMismatch(t *testing.T) {
	f := newFixture(t, fooProject)
	f.stub.ServeContent("foo-2.0.tar.gz", []byte("tampered"))
	pkgs := []config.Package{{Name: "foo", Specs: []string{"foo-1.0.tar.gz", "foo-2.0.tar.gz"}}}

	err := f.builder().EnsurePackages(context.Background(), pkgs)
	var mismatch *cache.DigestMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected DigestMismatchError, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(f.fileDir, "foo-2.0.tar.gz")); !os.IsNotExist(statErr) {
		t.Fatalf("mismatched download must not be kept")
	}
	if _, statErr := os.Stat(filepath.Join(f.fileDir, "foo-1.0.tar.gz")); statErr != nil {
		t.Fatalf("sibling tasks must still complete: %v", statErr)
	}
	doc := readDoc(t, f.jsonDir, "foo", "2.0")
	if len(doc.URLs) != 1 {
		t.Fatalf("metadata task is independent of the file task, got %+v", doc.URLs)
	}
}

func TestEnsurePackagesResolveFailureStopsBeforeMaterialize(t *testing.T) {
	f := newFixture(t, fooProject)
	pkgs := []config.Package{
		{Name: "foo", Specs: []string{"foo-1.0.tar.gz"}},
		{Name: "unknown", Specs: []string{"unknown-1.0.tar.gz"}},
	}

	err := f.builder().EnsurePackages(context.Background(), pkgs)
	if !upstream.IsNotFound(err) {
		t.Fatalf("expected upstream 404, got %v", err)
	}
	if f.stub.Hits("/simple/foo/") != 1 {
		t.Fatalf("sibling resolutions should still run")
	}
	if f.stub.FileHits() != 0 {
		t.Fatalf("no file may be downloaded when resolution fails")
	}
}

func TestEnsurePackagesKeepsExistingMetadata(t *testing.T) {
	f := newFixture(t, fooProject)
	ctx := context.Background()
	frozen := map[string]interface{}{"info": map[string]string{"summary": "frozen"}, "urls": []interface{}{}}
	if _, err := cache.PutJSON(ctx, f.metadata, cache.MetadataLocator("foo", "1.0"), frozen); err != nil {
		t.Fatalf("seed metadata: %v", err)
	}

	pkgs := []config.Package{{Name: "foo", Specs: []string{"foo-1.0.tar.gz"}}}
	if err := f.builder().EnsurePackages(ctx, pkgs); err != nil {
		t.Fatalf("EnsurePackages error: %v", err)
	}
	if f.stub.Hits("/pypi/foo/1.0/json") != 0 {
		t.Fatalf("existing metadata must not be refetched")
	}
	doc := readDoc(t, f.jsonDir, "foo", "1.0")
	if !bytes.Contains(doc.Info, []byte("frozen")) {
		t.Fatalf("existing metadata must not be rewritten: %s", doc.Info)
	}
}

func TestEnsurePackagesDeduplicatesMetadataTasks(t *testing.T) {
	f := newFixture(t, fooProject)
	pkgs := []config.Package{{Name: "foo", Specs: []string{"foo-1.0.tar.gz", "foo-1.0-py3-none-any.whl"}}}

	if err := f.builder().EnsurePackages(context.Background(), pkgs); err != nil {
		t.Fatalf("EnsurePackages error: %v", err)
	}
	if got := f.stub.Hits("/pypi/foo/1.0/json"); got != 1 {
		t.Fatalf("one version should be fetched once, got %d", got)
	}
	if doc := readDoc(t, f.jsonDir, "foo", "1.0"); len(doc.URLs) != 2 {
		t.Fatalf("both requested files should be listed, got %+v", doc.URLs)
	}
}

func TestEnsurePackagesRendersProgress(t *testing.T) {
	f := newFixture(t, fooProject)
	var progress bytes.Buffer
	client := upstream.NewClient(f.stub.Client(), f.stub.URL, f.logger)
	b := NewBuilder(client, f.files, f.metadata, f.logger, Options{MaxWorkers: 1, Progress: &progress})

	pkgs := []config.Package{{Name: "foo", Specs: []string{"foo-1.0.tar.gz"}}}
	if err := b.EnsurePackages(context.Background(), pkgs); err != nil {
		t.Fatalf("EnsurePackages error: %v", err)
	}
	if !bytes.Contains(progress.Bytes(), []byte("mirroring")) {
		t.Fatalf("progress output expected, got %q", progress.String())
	}
}

func TestEnsurePackagesReturnsAfterPersistentUpstreamFailure(t *testing.T) {
	f := newFixture(t, fooProject)
	f.stub.FailFile("foo-2.0.tar.gz", http.StatusServiceUnavailable)
	client := upstream.NewClient(f.stub.Client(), f.stub.URL, f.logger, upstream.WithRetry(0, time.Millisecond))
	b := NewBuilder(client, f.files, f.metadata, f.logger, Options{MaxWorkers: 2})
	pkgs := []config.Package{{Name: "foo", Specs: []string{"foo-1.0.tar.gz", "foo-2.0.tar.gz"}}}

	done := make(chan error, 1)
	go func() { done <- b.EnsurePackages(context.Background(), pkgs) }()

	var err error
	select {
	case err = <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("EnsurePackages must return once every task has finished")
	}

	var httpErr *upstream.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 HTTPError, got %v", err)
	}
	if got := f.stub.Hits("/packages/foo-2.0.tar.gz"); got != 1 {
		t.Fatalf("without retries the file should be requested once, got %d", got)
	}
	if _, statErr := os.Stat(filepath.Join(f.fileDir, "foo-1.0.tar.gz")); statErr != nil {
		t.Fatalf("sibling download must complete: %v", statErr)
	}
	for _, version := range []string{"1.0", "2.0"} {
		if _, statErr := os.Stat(filepath.Join(f.jsonDir, "foo", version, cache.MetadataFile)); statErr != nil {
			t.Fatalf("metadata for %s must complete: %v", version, statErr)
		}
	}
	if stats := b.Stats(); stats.Failures != 1 || stats.FilesDownloaded != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestEnsurePackagesRejectsTraversingVersion(t *testing.T) {
	evil := upstreamtest.Project{
		Name: "evil",
		Files: []upstreamtest.File{
			{Name: "evil-1.0.tar.gz", Version: "..", Content: []byte("evil")},
		},
	}
	f := newFixture(t, evil)
	pkgs := []config.Package{{Name: "evil", Specs: []string{"evil-1.0.tar.gz"}}}

	if err := f.builder().EnsurePackages(context.Background(), pkgs); err == nil {
		t.Fatalf("a version that escapes the project directory must fail")
	}
	if _, err := os.Stat(filepath.Join(f.jsonDir, "evil", cache.MetadataFile)); !os.IsNotExist(err) {
		t.Fatalf("metadata must not be written outside a version directory")
	}
	if _, err := os.Stat(filepath.Join(f.fileDir, "evil-1.0.tar.gz")); err != nil {
		t.Fatalf("file task is independent of the metadata task: %v", err)
	}
}

func TestSafeVersionDir(t *testing.T) {
	cases := map[string]bool{
		"1.0":    true,
		"2.0rc1": true,
		"":       false,
		".":      false,
		"..":     false,
		"1.0/..": false,
		`1.0\x`: false,
	}
	for version, want := range cases {
		if got := safeVersionDir(version); got != want {
			t.Fatalf("safeVersionDir(%q) = %v, want %v", version, got, want)
		}
	}
}
