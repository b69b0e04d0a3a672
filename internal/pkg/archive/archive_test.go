package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempDoc(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "doc.html")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("S3_ARCHIVE_ENABLED", "false")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.IsEnabled())
	assert.Equal(t, "invoices", cfg.Prefix)
}

func TestLoadConfigRequiresCredentials(t *testing.T) {
	t.Setenv("S3_ARCHIVE_ENABLED", "true")
	t.Setenv("S3_ACCESS_KEY_ID", "")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3_ACCESS_KEY_ID")
}

func TestObjectKeyAndLink(t *testing.T) {
	cfg := &Config{BucketName: "facturas", Prefix: "invoices"}
	key := cfg.ObjectKey("factura_1003.html")
	assert.Equal(t, "invoices/factura_1003.html", key)
	assert.Equal(t, "s3://facturas/invoices/factura_1003.html", cfg.Link(key))

	cfg.PublicBaseURL = "https://files.example.com"
	assert.Equal(t, "https://files.example.com/invoices/factura_1003.html", cfg.Link(key))
}

func TestLocalStoreArchive(t *testing.T) {
	src := writeTempDoc(t, "<html>invoice</html>")
	store := NewLocalStore(filepath.Join(t.TempDir(), "archive"))

	obj, err := store.Archive(context.Background(), src, "factura_1003.html")
	require.NoError(t, err)
	assert.Equal(t, "factura_1003.html", obj.ID)
	assert.True(t, strings.HasPrefix(obj.Link, "file://"))

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "local file is removed after archiving")

	content, err := os.ReadFile(filepath.Join(store.dir, "factura_1003.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>invoice</html>", string(content))
}

func TestLocalStoreMissingSource(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	_, err := store.Archive(context.Background(), filepath.Join(t.TempDir(), "missing.html"), "x.html")
	assert.Error(t, err)
}

func TestS3ClientArchive(t *testing.T) {
	var mu sync.Mutex
	uploads := map[string]string{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			uploads[r.URL.Path] = string(body)
			mu.Unlock()
			w.Header().Set("ETag", `"abc"`)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), &Config{
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Region:          "us-east-1",
		BucketName:      "facturas",
		EndpointURL:     srv.URL,
		Prefix:          "invoices",
		Enabled:         true,
	})
	require.NoError(t, err)

	src := writeTempDoc(t, "<html>invoice</html>")
	obj, err := client.Archive(context.Background(), src, "factura_1003.html")
	require.NoError(t, err)
	assert.Equal(t, "invoices/factura_1003.html", obj.ID)
	assert.Equal(t, "s3://facturas/invoices/factura_1003.html", obj.Link)

	mu.Lock()
	assert.Contains(t, uploads, "/facturas/invoices/factura_1003.html")
	mu.Unlock()

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestNewClientDisabled(t *testing.T) {
	_, err := NewClient(context.Background(), &Config{})
	assert.Error(t, err)
}
