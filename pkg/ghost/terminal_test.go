package ghost

import (
	"bytes"
	"testing"
)

// ---------------------------------------------------------------------------
// parseResizeEscape
// ---------------------------------------------------------------------------

func TestParseResizeEscapeCompleteResize(t *testing.T) {
	buf := []byte("\x1b[8;40;120t")
	end, rows, cols, isResize, complete := parseResizeEscape(buf)
	if !complete || !isResize {
		t.Fatalf("parseResizeEscape(%q) = complete=%v isResize=%v, want true/true", buf, complete, isResize)
	}
	if end != len(buf) {
		t.Errorf("end = %d, want %d", end, len(buf))
	}
	if rows != 40 || cols != 120 {
		t.Errorf("rows,cols = %d,%d, want 40,120", rows, cols)
	}
}

func TestParseResizeEscapeOtherCSISequencePassesThrough(t *testing.T) {
	buf := []byte("\x1b[2J") // clear screen, not a resize
	end, _, _, isResize, complete := parseResizeEscape(buf)
	if !complete {
		t.Fatal("expected a complete (if unrecognized) sequence")
	}
	if isResize {
		t.Error("a clear-screen CSI sequence was classified as a resize")
	}
	if end != len(buf) {
		t.Errorf("end = %d, want %d (whole sequence consumed)", end, len(buf))
	}
}

func TestParseResizeEscapeIncompleteWaitsForMore(t *testing.T) {
	buf := []byte("\x1b[8;40;")
	_, _, _, _, complete := parseResizeEscape(buf)
	if complete {
		t.Error("an unterminated CSI sequence should not be reported complete")
	}
}

func TestParseResizeEscapeLoneEscapePassesThrough(t *testing.T) {
	buf := []byte("\x1bX")
	end, _, _, isResize, complete := parseResizeEscape(buf)
	if !complete || isResize {
		t.Fatalf("lone ESC not followed by '[' should pass through as a literal byte; got complete=%v isResize=%v", complete, isResize)
	}
	if end != 1 {
		t.Errorf("end = %d, want 1 (consume only the ESC byte)", end)
	}
}

// ---------------------------------------------------------------------------
// resizeScanner.feed
// ---------------------------------------------------------------------------

func TestResizeScannerPassesNonEscapeBytesThrough(t *testing.T) {
	var out bytes.Buffer
	s := &resizeScanner{}
	s.feed([]byte("hello world"), &out)
	if out.String() != "hello world" {
		t.Errorf("out = %q, want %q", out.String(), "hello world")
	}
}

func TestResizeScannerConsumesResizeEscapeWithoutForwarding(t *testing.T) {
	var out bytes.Buffer
	s := &resizeScanner{} // nil pty: setWinsize on nil *os.File must not be called with a real ioctl in this path
	s.feed([]byte("before\x1b[8;24;80tafter"), &out)
	if out.String() != "beforeafter" {
		t.Errorf("out = %q, want %q (resize escape consumed, not echoed)", out.String(), "beforeafter")
	}
}

func TestResizeScannerBuffersPartialEscapeAcrossFeeds(t *testing.T) {
	var out bytes.Buffer
	s := &resizeScanner{}
	s.feed([]byte("x\x1b[8;24;"), &out)
	if out.String() != "x" {
		t.Fatalf("out after partial feed = %q, want %q (escape must not leak through early)", out.String(), "x")
	}
	s.feed([]byte("80ty"), &out)
	if out.String() != "xy" {
		t.Errorf("out after completing feed = %q, want %q", out.String(), "xy")
	}
}
