package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkhound/inkhound/internal/archive"
	"github.com/inkhound/inkhound/internal/catalog"
	"github.com/inkhound/inkhound/internal/notify"
	"github.com/inkhound/inkhound/internal/scheduler"
	"github.com/inkhound/inkhound/internal/source"
)

type fakeRecords struct {
	libraries map[string]*catalog.Library
	manga     map[string]*catalog.MangaDownload   // keyed by library id
	chapters  map[string]*catalog.ChapterDownload // keyed by record id
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		libraries: make(map[string]*catalog.Library),
		manga:     make(map[string]*catalog.MangaDownload),
		chapters:  make(map[string]*catalog.ChapterDownload),
	}
}

func (f *fakeRecords) GetLibrary(ctx context.Context, id string) (*catalog.Library, error) {
	return f.libraries[id], nil
}

func (f *fakeRecords) ListLibraries(ctx context.Context) ([]*catalog.Library, error) {
	var libs []*catalog.Library
	for _, l := range f.libraries {
		libs = append(libs, l)
	}
	return libs, nil
}

func (f *fakeRecords) GetMangaByLibrary(ctx context.Context, libraryID string) (*catalog.MangaDownload, error) {
	return f.manga[libraryID], nil
}

func (f *fakeRecords) SaveManga(ctx context.Context, md *catalog.MangaDownload) error {
	f.manga[md.LibraryID] = md
	return nil
}

func (f *fakeRecords) GetChapter(ctx context.Context, id string) (*catalog.ChapterDownload, error) {
	return f.chapters[id], nil
}

func (f *fakeRecords) FindChapterByRemote(ctx context.Context, sourceID, remoteChapterID string) (*catalog.ChapterDownload, error) {
	for _, cd := range f.chapters {
		if cd.SourceID == sourceID && cd.RemoteChapterID == remoteChapterID {
			return cd, nil
		}
	}
	return nil, nil
}

func (f *fakeRecords) SaveChapter(ctx context.Context, cd *catalog.ChapterDownload) error {
	f.chapters[cd.ID] = cd
	return nil
}

func (f *fakeRecords) ListChaptersByManga(ctx context.Context, mangaDownloadID string) ([]*catalog.ChapterDownload, error) {
	var out []*catalog.ChapterDownload
	for _, cd := range f.chapters {
		if cd.MangaDownloadID == mangaDownloadID {
			out = append(out, cd)
		}
	}
	return out, nil
}

type fakeJobs struct {
	enqueued   []scheduler.JobSpec
	depths     map[string]int
	states     map[string]scheduler.JobStatus
	recurring  map[string]string
	triggered  []string
	enqueueErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		depths:    make(map[string]int),
		states:    make(map[string]scheduler.JobStatus),
		recurring: make(map[string]string),
	}
}

func (f *fakeJobs) Enqueue(ctx context.Context, spec scheduler.JobSpec) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.enqueued = append(f.enqueued, spec)
	f.depths[spec.Queue]++
	return fmt.Sprintf("job-%d", len(f.enqueued)), nil
}

func (f *fakeJobs) QueueDepths(ctx context.Context, queues []string) (map[string]int, error) {
	return f.depths, nil
}

func (f *fakeJobs) JobState(ctx context.Context, id string) (scheduler.JobStatus, error) {
	if state, ok := f.states[id]; ok {
		return state, nil
	}
	return scheduler.JobNotFound, nil
}

func (f *fakeJobs) RegisterRecurring(ctx context.Context, key, cronExpr string, spec scheduler.JobSpec) (bool, error) {
	_, existed := f.recurring[key]
	f.recurring[key] = cronExpr
	return existed, nil
}

func (f *fakeJobs) TriggerNow(ctx context.Context, key string) (string, error) {
	f.triggered = append(f.triggered, key)
	return fmt.Sprintf("trigger-%d", len(f.triggered)), nil
}

type fakeSource struct {
	id          string
	chapters    []source.ChapterSummary
	pages       map[string][]source.PageDescriptor
	pageData    map[string][]byte
	listPageErr error
	fetchErrs   map[string]error
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) Search(ctx context.Context, query string, page source.Pagination) (*source.Paged[source.TitleSummary], error) {
	return &source.Paged[source.TitleSummary]{}, nil
}

func (f *fakeSource) ListChapters(ctx context.Context, remoteTitleID string, page source.Pagination) (*source.Paged[source.ChapterSummary], error) {
	end := page.Offset + page.Limit
	if end > len(f.chapters) {
		end = len(f.chapters)
	}
	if page.Offset > end {
		return &source.Paged[source.ChapterSummary]{Total: len(f.chapters)}, nil
	}
	return &source.Paged[source.ChapterSummary]{
		Items: f.chapters[page.Offset:end],
		Total: len(f.chapters),
	}, nil
}

func (f *fakeSource) ListPages(ctx context.Context, chapter source.ChapterSummary) ([]source.PageDescriptor, error) {
	if f.listPageErr != nil {
		return nil, f.listPageErr
	}
	return f.pages[chapter.RemoteID], nil
}

func (f *fakeSource) FetchPage(ctx context.Context, url string) ([]byte, error) {
	if err := f.fetchErrs[url]; err != nil {
		return nil, err
	}
	if data, ok := f.pageData[url]; ok {
		return data, nil
	}
	return []byte("img:" + url), nil
}

func (f *fakeSource) Cover(ctx context.Context, remoteTitleID string) ([]byte, error) {
	return []byte("cover"), nil
}

type fakeResolver struct {
	src source.Source
}

func (f *fakeResolver) Get(id string) (source.Source, error) {
	if f.src != nil && f.src.ID() == id {
		return f.src, nil
	}
	return nil, fmt.Errorf("unknown source %q", id)
}

type fakeNotifier struct {
	sent []notify.Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, n notify.Notification) {
	f.sent = append(f.sent, n)
}

type testPipeline struct {
	*Pipeline
	records  *fakeRecords
	jobs     *fakeJobs
	src      *fakeSource
	notifier *fakeNotifier
	layout   archive.Layout
}

func fourChapters() []source.ChapterSummary {
	return []source.ChapterSummary{
		{RemoteID: "r-1", Number: 1, Volume: 1, Title: "One", URL: "http://s/c/r-1"},
		{RemoteID: "r-2", Number: 2, Volume: 1, Title: "Two", URL: "http://s/c/r-2"},
		{RemoteID: "r-3", Number: 3, Volume: 1, Title: "Three", URL: "http://s/c/r-3"},
		{RemoteID: "r-4", Number: 4, Volume: 2, Title: "Four", URL: "http://s/c/r-4"},
	}
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()

	records := newFakeRecords()
	records.libraries["lib-1"] = &catalog.Library{
		ID:            "lib-1",
		Title:         "One Piece",
		SourceID:      "testsite",
		RemoteTitleID: "one-piece",
	}

	src := &fakeSource{
		id:       "testsite",
		chapters: fourChapters(),
		pages:    make(map[string][]source.PageDescriptor),
	}
	for _, ch := range src.chapters {
		src.pages[ch.RemoteID] = []source.PageDescriptor{
			{Index: 1, URL: "http://cdn/" + ch.RemoteID + "/1.png"},
			{Index: 2, URL: "http://cdn/" + ch.RemoteID + "/2.png"},
			{Index: 3, URL: "http://cdn/" + ch.RemoteID + "/3.png"},
		}
	}

	jobs := newFakeJobs()
	notifier := &fakeNotifier{}
	layout := archive.Layout{Root: t.TempDir()}

	config := DefaultConfig()
	config.ChapterDelayMin, config.ChapterDelayMax = 0, 0
	config.PageDelayMin, config.PageDelayMax = 0, 0

	p := New(config, records, jobs, &fakeResolver{src: src}, layout, archive.CBZPackager{}, notifier, nil)
	return &testPipeline{
		Pipeline: p,
		records:  records,
		jobs:     jobs,
		src:      src,
		notifier: notifier,
		layout:   layout,
	}
}

func discoverJob() *scheduler.Job {
	return &scheduler.Job{
		ID:          "job-discover",
		Type:        TypeChapterDiscover,
		Args:        map[string]string{"library_id": "lib-1", "manga_download_id": "md-1"},
		Attempts:    1,
		MaxAttempts: 5,
	}
}

func TestMangaDownloadSchedulesDiscovery(t *testing.T) {
	tp := newTestPipeline(t)

	err := tp.HandleMangaDownload(context.Background(), &scheduler.Job{
		ID:          "job-1",
		Type:        TypeMangaDownload,
		Args:        map[string]string{"library_id": "lib-1"},
		Attempts:    1,
		MaxAttempts: 5,
	})
	require.NoError(t, err)

	require.Len(t, tp.jobs.enqueued, 1)
	spec := tp.jobs.enqueued[0]
	assert.Equal(t, TypeChapterDiscover, spec.Type)
	assert.Equal(t, "chapter-discovery-1", spec.Queue)
	assert.Equal(t, "testsite", spec.SourceKey)

	record := tp.records.manga["lib-1"]
	require.NotNil(t, record)
	assert.Equal(t, catalog.StatusCompleted, record.Status)
}

func TestMangaDownloadSkipsFreshInProgress(t *testing.T) {
	tp := newTestPipeline(t)

	record := catalog.NewMangaDownload("md-1", "lib-1")
	record.MarkProcessing()
	tp.records.manga["lib-1"] = record

	err := tp.HandleMangaDownload(context.Background(), &scheduler.Job{
		ID:   "job-1",
		Type: TypeMangaDownload,
		Args: map[string]string{"library_id": "lib-1"},
	})
	require.NoError(t, err)
	assert.Empty(t, tp.jobs.enqueued)
}

func TestMangaDownloadEnqueueFailureResetsRecord(t *testing.T) {
	tp := newTestPipeline(t)
	tp.jobs.enqueueErr = errors.New("database unavailable")

	err := tp.HandleMangaDownload(context.Background(), &scheduler.Job{
		ID:          "job-1",
		Type:        TypeMangaDownload,
		Args:        map[string]string{"library_id": "lib-1"},
		Attempts:    2,
		MaxAttempts: 5,
	})
	require.Error(t, err)

	record := tp.records.manga["lib-1"]
	require.NotNil(t, record)
	assert.Equal(t, catalog.StatusPending, record.Status)
	require.NotNil(t, record.StatusReason)
	assert.Contains(t, *record.StatusReason, "attempt 2")
}

func TestChapterDiscoverSchedulesEveryNewChapter(t *testing.T) {
	tp := newTestPipeline(t)

	require.NoError(t, tp.HandleChapterDiscover(context.Background(), discoverJob()))

	require.Len(t, tp.jobs.enqueued, 4)
	assert.Len(t, tp.records.chapters, 4)
	for _, cd := range tp.records.chapters {
		assert.Equal(t, catalog.StatusScheduled, cd.Status)
		assert.NotEmpty(t, cd.JobID)
	}

	// Downloads spread across the pool instead of piling onto one queue.
	queues := make(map[string]int)
	for _, spec := range tp.jobs.enqueued {
		queues[spec.Queue]++
	}
	assert.Len(t, queues, 3)
}

func TestChapterDiscoverIsIdempotent(t *testing.T) {
	tp := newTestPipeline(t)

	require.NoError(t, tp.HandleChapterDiscover(context.Background(), discoverJob()))
	require.Len(t, tp.jobs.enqueued, 4)

	// A second discovery finds every chapter in flight and does nothing.
	require.NoError(t, tp.HandleChapterDiscover(context.Background(), discoverJob()))
	assert.Len(t, tp.jobs.enqueued, 4)
}

func TestChapterDiscoverSkipsArchivesOnDisk(t *testing.T) {
	tp := newTestPipeline(t)

	path := tp.layout.ChapterPath("One Piece", 1, 1)
	require.NoError(t, archive.CBZPackager{}.Pack(path, []archive.File{
		{Name: "001.png", Data: []byte("a")},
		{Name: "002.png", Data: []byte("b")},
		{Name: "003.png", Data: []byte("c")},
	}))

	require.NoError(t, tp.HandleChapterDiscover(context.Background(), discoverJob()))
	assert.Len(t, tp.jobs.enqueued, 3)
}

func TestChapterDownloadEndToEnd(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()

	require.NoError(t, tp.HandleChapterDiscover(ctx, discoverJob()))
	require.Len(t, tp.records.chapters, 4)

	for _, cd := range tp.records.chapters {
		err := tp.HandleChapterDownload(ctx, &scheduler.Job{
			ID:          cd.JobID,
			Type:        TypeChapterDownload,
			Args:        map[string]string{"chapter_download_id": cd.ID, "library_id": "lib-1"},
			Attempts:    1,
			MaxAttempts: 5,
		})
		require.NoError(t, err)
	}

	for _, cd := range tp.records.chapters {
		assert.Equal(t, catalog.StatusCompleted, cd.Status)
		assert.True(t, tp.layout.ChapterExists("One Piece", cd.Volume, cd.Number))
	}
	assert.Len(t, tp.notifier.sent, 4)
	assert.Equal(t, notify.KindChapterDownloaded, tp.notifier.sent[0].Kind)
}

func TestChapterDownloadShortCircuitsWhenArchiveExists(t *testing.T) {
	tp := newTestPipeline(t)

	record := catalog.NewChapterDownload("cd-1", "md-1", "testsite", "r-1")
	record.Number, record.Volume = 1, 1
	tp.records.chapters["cd-1"] = record

	path := tp.layout.ChapterPath("One Piece", 1, 1)
	require.NoError(t, archive.CBZPackager{}.Pack(path, []archive.File{
		{Name: "001.png", Data: []byte("a")},
		{Name: "002.png", Data: []byte("b")},
		{Name: "003.png", Data: []byte("c")},
	}))

	err := tp.HandleChapterDownload(context.Background(), &scheduler.Job{
		ID:   "job-1",
		Args: map[string]string{"chapter_download_id": "cd-1", "library_id": "lib-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCompleted, record.Status)
	// No pages were fetched and no notification sent; nothing was done.
	assert.Empty(t, tp.notifier.sent)
}

func TestChapterDownloadFailureGoesBackToPending(t *testing.T) {
	tp := newTestPipeline(t)
	tp.src.listPageErr = errors.New("remote returned 503")

	record := catalog.NewChapterDownload("cd-1", "md-1", "testsite", "r-1")
	record.Number, record.Volume = 1, 1
	record.URL = "http://s/c/r-1"
	tp.records.chapters["cd-1"] = record

	err := tp.HandleChapterDownload(context.Background(), &scheduler.Job{
		ID:          "job-1",
		Args:        map[string]string{"chapter_download_id": "cd-1", "library_id": "lib-1"},
		Attempts:    1,
		MaxAttempts: 5,
	})
	require.Error(t, err)

	assert.Equal(t, catalog.StatusPending, record.Status)
	require.NotNil(t, record.StatusReason)
	assert.Contains(t, *record.StatusReason, "attempt 1")
	assert.Contains(t, *record.StatusReason, "remote returned 503")
	assert.Empty(t, tp.notifier.sent)
}

func TestChapterDownloadFinalFailureNotifies(t *testing.T) {
	tp := newTestPipeline(t)
	tp.src.listPageErr = errors.New("remote gone")

	record := catalog.NewChapterDownload("cd-1", "md-1", "testsite", "r-1")
	tp.records.chapters["cd-1"] = record

	err := tp.HandleChapterDownload(context.Background(), &scheduler.Job{
		ID:          "job-1",
		Args:        map[string]string{"chapter_download_id": "cd-1", "library_id": "lib-1"},
		Attempts:    5,
		MaxAttempts: 5,
	})
	require.Error(t, err)

	require.Len(t, tp.notifier.sent, 1)
	assert.Equal(t, notify.KindDownloadFailed, tp.notifier.sent[0].Kind)
}

func TestChapterDownloadRejectsGuttedChapter(t *testing.T) {
	tp := newTestPipeline(t)

	// Two of three pages fail to download; the remaining single file is
	// below the integrity floor, so the chapter must not be written.
	tp.src.fetchErrs = map[string]error{
		"http://cdn/r-1/1.png": errors.New("404"),
		"http://cdn/r-1/2.png": errors.New("404"),
	}

	record := catalog.NewChapterDownload("cd-1", "md-1", "testsite", "r-1")
	record.Number, record.Volume = 1, 1
	record.URL = "http://s/c/r-1"
	tp.records.chapters["cd-1"] = record

	err := tp.HandleChapterDownload(context.Background(), &scheduler.Job{
		ID:          "job-1",
		Args:        map[string]string{"chapter_download_id": "cd-1", "library_id": "lib-1"},
		Attempts:    1,
		MaxAttempts: 5,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, archive.ErrIncomplete)

	assert.Equal(t, catalog.StatusPending, record.Status)
	assert.False(t, tp.layout.ChapterExists("One Piece", 1, 1))
}

func TestChapterDownloadSkipsHandledRecords(t *testing.T) {
	tp := newTestPipeline(t)

	record := catalog.NewChapterDownload("cd-1", "md-1", "testsite", "r-1")
	record.MarkComplete()
	tp.records.chapters["cd-1"] = record

	err := tp.HandleChapterDownload(context.Background(), &scheduler.Job{
		ID:   "job-1",
		Args: map[string]string{"chapter_download_id": "cd-1", "library_id": "lib-1"},
	})
	require.NoError(t, err)
	assert.Empty(t, tp.notifier.sent)
}

func TestReconcileResetsRecordsWithDeadJobs(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()

	manga := catalog.NewMangaDownload("md-1", "lib-1")
	manga.MarkComplete()
	tp.records.manga["lib-1"] = manga

	// This chapter claims a live job, but the job row is gone.
	stuck := catalog.NewChapterDownload("cd-1", "md-1", "testsite", "r-1")
	stuck.MarkScheduled("job-vanished")
	tp.records.chapters["cd-1"] = stuck

	// This one's job is genuinely pending; it must be left alone.
	healthy := catalog.NewChapterDownload("cd-2", "md-1", "testsite", "r-2")
	healthy.MarkScheduled("job-live")
	tp.records.chapters["cd-2"] = healthy
	tp.jobs.states["job-live"] = scheduler.JobPending

	err := tp.HandleCollectionReconcile(ctx, &scheduler.Job{ID: "job-r", Type: TypeCollectionReconcile})
	require.NoError(t, err)

	assert.Equal(t, catalog.StatusPending, stuck.Status)
	require.NotNil(t, stuck.StatusReason)
	assert.Contains(t, *stuck.StatusReason, "job lost")
	assert.Equal(t, catalog.StatusScheduled, healthy.Status)
}

func TestReconcileBootstrapsDiscoverySchedules(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()

	manga := catalog.NewMangaDownload("md-1", "lib-1")
	tp.records.manga["lib-1"] = manga

	job := &scheduler.Job{ID: "job-r", Type: TypeCollectionReconcile}
	require.NoError(t, tp.HandleCollectionReconcile(ctx, job))

	key := DiscoveryKey("One Piece", "lib-1", "testsite")
	assert.Equal(t, DiscoveryCron, tp.jobs.recurring[key])
	assert.Equal(t, []string{key}, tp.jobs.triggered)

	// A second pass renews the registration without re-triggering.
	require.NoError(t, tp.HandleCollectionReconcile(ctx, job))
	assert.Len(t, tp.jobs.triggered, 1)
}

func TestReconcileLeavesCancelledLibrariesAlone(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()

	// The title was removed: its record is cancelled and its discovery
	// schedule was dropped. Reconcile must not bring either back.
	manga := catalog.NewMangaDownload("md-1", "lib-1")
	manga.MarkCancelled("removed from collection")
	tp.records.manga["lib-1"] = manga

	job := &scheduler.Job{ID: "job-r", Type: TypeCollectionReconcile}
	require.NoError(t, tp.HandleCollectionReconcile(ctx, job))

	key := DiscoveryKey("One Piece", "lib-1", "testsite")
	_, registered := tp.jobs.recurring[key]
	assert.False(t, registered)
	assert.Empty(t, tp.jobs.triggered)
	assert.Equal(t, catalog.StatusCancelled, manga.Status)
}

func TestReconcileSkipsLibrariesWithoutRecords(t *testing.T) {
	tp := newTestPipeline(t)

	require.NoError(t, tp.HandleCollectionReconcile(context.Background(),
		&scheduler.Job{ID: "job-r", Type: TypeCollectionReconcile}))

	assert.Empty(t, tp.jobs.recurring)
	assert.Empty(t, tp.jobs.triggered)
}
