package storage

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/freegle/inbound/consts"
	"github.com/freegle/inbound/helpers"
	"github.com/freegle/inbound/mailparser"
	"github.com/freegle/inbound/pkg/retry"
)

type fakeClient struct {
	objects map[string][]byte
	puts    int
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: make(map[string][]byte)}
}

func (f *fakeClient) StatObject(_ context.Context, _, key string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	if _, ok := f.objects[key]; ok {
		return minio.ObjectInfo{Key: key}, nil
	}
	return minio.ObjectInfo{}, minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchKey"}
}

func (f *fakeClient) PutObject(_ context.Context, _, key string, reader *bytes.Reader, size int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	data := make([]byte, size)
	reader.Read(data)
	f.objects[key] = data
	f.puts++
	return minio.UploadInfo{Key: key, Size: size}, nil
}

func testArchiver(client objectClient) *Archiver {
	backoff := retry.DefaultBackoffConfig()
	backoff.InitialInterval = time.Millisecond
	return &Archiver{client: client, bucket: "test", backoff: backoff}
}

func imageMessage(t *testing.T) *mailparser.ParsedEmail {
	t.Helper()
	raw := []byte("From: a@example.com\r\n" +
		"Subject: photo\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"b1\"\r\n" +
		"\r\n" +
		"--b1\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--b1\r\n" +
		"Content-Type: image/jpeg\r\n" +
		"Content-Disposition: attachment; filename=\"sofa.jpg\"\r\n" +
		"\r\n" +
		"JPEGDATA\r\n" +
		"--b1--\r\n")
	return mailparser.Parse(raw, "a@example.com", "edinburgh@groups.ilovefreegle.org", mailparser.Options{
		UserDomain:  "users.ilovefreegle.org",
		GroupDomain: "groups.ilovefreegle.org",
	})
}

func TestArchiveAttachments(t *testing.T) {
	client := newFakeClient()
	a := testArchiver(client)

	stored := a.ArchiveAttachments(context.Background(), imageMessage(t))
	if len(stored) != 1 {
		t.Fatalf("stored = %d", len(stored))
	}

	wantHash := helpers.ContentHash([]byte("JPEGDATA"))
	if stored[0].ContentHash != wantHash {
		t.Errorf("hash = %q", stored[0].ContentHash)
	}
	if stored[0].Key != helpers.NewS3Key("attachments", wantHash) {
		t.Errorf("key = %q", stored[0].Key)
	}
	if client.puts != 1 {
		t.Errorf("puts = %d", client.puts)
	}
}

func TestArchiveDeduplicates(t *testing.T) {
	client := newFakeClient()
	a := testArchiver(client)

	p := imageMessage(t)
	a.ArchiveAttachments(context.Background(), p)
	stored := a.ArchiveAttachments(context.Background(), p)

	if len(stored) != 1 {
		t.Fatalf("stored = %d", len(stored))
	}
	if client.puts != 1 {
		t.Errorf("duplicate content re-uploaded, puts = %d", client.puts)
	}
}

type failingClient struct{ *fakeClient }

func (f *failingClient) PutObject(context.Context, string, string, *bytes.Reader, int64, minio.PutObjectOptions) (minio.UploadInfo, error) {
	return minio.UploadInfo{}, errors.New("connection reset")
}

func TestPutUploadFailure(t *testing.T) {
	a := testArchiver(&failingClient{fakeClient: newFakeClient()})

	_, err := a.put(context.Background(), "attachments/x", "image/jpeg", []byte("JPEGDATA"))
	if !errors.Is(err, consts.ErrS3UploadFailed) {
		t.Errorf("err = %v", err)
	}
}

func TestNilArchiverIsSafe(t *testing.T) {
	var a *Archiver
	if stored := a.ArchiveAttachments(context.Background(), imageMessage(t)); stored != nil {
		t.Errorf("nil archiver stored %v", stored)
	}
}
