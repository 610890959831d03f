package rpc

import (
	"testing"
	"time"

	"github.com/hexfeed/hexfeedd/modules/queue"
)

func TestClientDownloadAndListRoundTrip(t *testing.T) {
	q := queue.New()
	sub := &fakeSubmitter{}
	srv := New(Config{Password: "pw"}, q, queue.NewEditor(q), nil, sub, nil, nil)
	dialServer(t, srv) // starts srv.acceptLoop listening on srv.ln

	client := &Client{Addr: srv.ln.Addr().String(), Password: "pw", Timeout: 2 * time.Second}

	ok, _, err := client.Download("movie.nzb", "movies", []byte("<nzb/>"), false)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected the download request to succeed")
	}
	if !sub.called || sub.filename != "movie.nzb" {
		t.Fatalf("expected the submitter to be invoked, got %+v", sub)
	}

	q.Lock()
	c := &queue.Collection{Name: "movie"}
	q.AddCollection(c, []*queue.File{{Subject: "movie.mkv", Filename: "movie.mkv", TotalSize: 100}})
	q.Unlock()

	files, err := client.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Filename != "movie.mkv" {
		t.Fatalf("unexpected list response: %+v", files)
	}
}

func TestClientEditQueueMoveTop(t *testing.T) {
	q := queue.New()
	editor := queue.NewEditor(q)
	srv := New(Config{Password: "pw"}, q, editor, nil, nil, nil, nil)
	dialServer(t, srv)

	q.Lock()
	c := &queue.Collection{Name: "pack"}
	q.AddCollection(c, []*queue.File{{Subject: "a"}, {Subject: "b"}})
	q.Unlock()

	second := q.Files()[1]
	client := &Client{Addr: srv.ln.Addr().String(), Password: "pw", Timeout: 2 * time.Second}
	ok, _, err := client.MoveTop([]uint64{second.ID})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected MoveTop to succeed")
	}
	if q.Files()[0].ID != second.ID {
		t.Fatal("expected the moved file to be first in queue order")
	}
}

func TestClientShutdownInvokesCallback(t *testing.T) {
	q := queue.New()
	called := make(chan struct{}, 1)
	srv := New(Config{Password: "pw"}, q, queue.NewEditor(q), nil, nil, nil, func() { called <- struct{}{} })
	dialServer(t, srv)

	client := &Client{Addr: srv.ln.Addr().String(), Password: "pw", Timeout: 2 * time.Second}
	ok, _, err := client.Shutdown()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected the shutdown request to succeed")
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("expected onShutdown to be invoked")
	}
}
