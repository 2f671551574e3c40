package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractHTML(t *testing.T) {
	page := `<!DOCTYPE html>
<html>
<head><title>Green Compute Guide</title></head>
<body>
<nav>Site navigation</nav>
<script>var tracker = 1;</script>
<style>.hero { color: green; }</style>
<main>
<h1>Efficient Inference</h1>
<p>Quantization lowers memory usage with <strong>minimal accuracy loss</strong>.</p>
<p>Second paragraph.</p>
</main>
<footer>Copyright notice</footer>
</body>
</html>`

	title, content := extractHTML(page)

	if title != "Green Compute Guide" {
		t.Errorf("title = %q", title)
	}
	if !strings.Contains(content, "Efficient Inference") {
		t.Errorf("content missing heading: %q", content)
	}
	if !strings.Contains(content, "minimal accuracy loss") {
		t.Errorf("content missing inline text: %q", content)
	}
	if strings.Contains(content, "var tracker") {
		t.Error("content should not include script text")
	}
	if strings.Contains(content, "Site navigation") {
		t.Error("content should not include nav text")
	}
	if strings.Contains(content, "Copyright notice") {
		t.Error("content should not include footer text")
	}
}

func TestFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua := r.Header.Get("User-Agent")
		if !strings.HasPrefix(ua, "cloudvoice/") {
			t.Errorf("User-Agent = %q", ua)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><title>Test</title></head><body><p>Hello from test server</p></body></html>`))
	}))
	defer ts.Close()

	f := New()
	result, err := f.Fetch(context.Background(), ts.URL, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if result.Title != "Test" {
		t.Errorf("title = %q", result.Title)
	}
	if !strings.Contains(result.Content, "Hello from test server") {
		t.Errorf("content = %q", result.Content)
	}
	if result.StatusCode != 200 {
		t.Errorf("status = %d", result.StatusCode)
	}
}

func TestFetchPlainText(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("Just plain text content"))
	}))
	defer ts.Close()

	f := New()
	result, err := f.Fetch(context.Background(), ts.URL, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if result.Content != "Just plain text content" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestFetchTruncation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("x", 1000)))
	}))
	defer ts.Close()

	f := New()
	result, err := f.Fetch(context.Background(), ts.URL, 100)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if !result.Truncated {
		t.Error("expected truncated=true")
	}
	if result.Length > 100 {
		t.Errorf("length = %d, want <= 100", result.Length)
	}
}

func TestFetchEmptyURL(t *testing.T) {
	f := New()
	if _, err := f.Fetch(context.Background(), "", 0); err == nil {
		t.Error("expected error for empty URL")
	}
}

func TestCleanWhitespace(t *testing.T) {
	input := "  Hello   world  \n\n\n\n  Second line  \n\n\n Third  "
	got := cleanWhitespace(input)
	if strings.Contains(got, "\n\n\n") {
		t.Errorf("triple newlines survived: %q", got)
	}
	if !strings.HasPrefix(got, "Hello world") {
		t.Errorf("got %q", got)
	}
}

func TestTruncateUTF8(t *testing.T) {
	s := "Héllo wörld café"
	truncated := truncateUTF8(s, 5)
	if n := len([]rune(truncated)); n > 5 {
		t.Errorf("got %d runes: %q", n, truncated)
	}
}
