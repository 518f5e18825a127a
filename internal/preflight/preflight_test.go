package preflight

import "testing"

func TestValidate_rejectsEmpty(t *testing.T) {
	info := Validate(DefaultConfig(), "", "article")
	if info.Valid {
		t.Fatal("expected empty content to be invalid")
	}
}

func TestValidate_rejectsBinary(t *testing.T) {
	info := Validate(DefaultConfig(), "hello \x00 world with enough words here", "article")
	if info.Valid {
		t.Fatal("expected binary content to be invalid")
	}
}

func TestValidate_rejectsTooShort(t *testing.T) {
	info := Validate(DefaultConfig(), "too short", "article")
	if info.Valid {
		t.Fatal("expected short article content to be invalid")
	}
}

func TestValidate_acceptsLongEnoughArticle(t *testing.T) {
	words := make([]string, 0, 120)
	vocab := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel"}
	for i := 0; i < 120; i++ {
		words = append(words, vocab[i%len(vocab)])
	}
	text := joinWords(words)

	info := Validate(DefaultConfig(), text, "article")
	if !info.Valid {
		t.Fatalf("expected valid article, got errors: %v", info.Errors)
	}
	if info.WordCount != 120 {
		t.Errorf("WordCount = %d, want 120", info.WordCount)
	}
}

func TestValidate_rejectsDegenerateRepeatedWord(t *testing.T) {
	text := joinWords(repeat("same", 10))
	info := Validate(DefaultConfig(), text, "caption")
	if info.Valid {
		t.Fatal("expected degenerate repeated-word content to be invalid")
	}
}

func TestValidate_tweetMaxWords(t *testing.T) {
	text := joinWords(repeat("word", 300))
	info := Validate(DefaultConfig(), text, "tweet")
	if info.Valid {
		t.Fatal("expected over-long tweet to be invalid")
	}
}

func TestShouldSkip_allURLs(t *testing.T) {
	if !ShouldSkip(DefaultConfig(), "https://example.com http://foo.com") {
		t.Fatal("expected all-URL content to be skipped")
	}
}

func TestShouldSkip_mentionsAndHashtags(t *testing.T) {
	if !ShouldSkip(DefaultConfig(), "@someone #trending #viral") {
		t.Fatal("expected mentions/hashtags-only content to be skipped")
	}
}

func TestShouldSkip_allCaps(t *testing.T) {
	if !ShouldSkip(DefaultConfig(), "THIS IS ALL CAPS SHOUTING TEXT") {
		t.Fatal("expected all-caps content to be skipped")
	}
}

func TestShouldSkip_spamPhrase(t *testing.T) {
	if !ShouldSkip(DefaultConfig(), "Click here to win a free prize today") {
		t.Fatal("expected spam-phrase content to be skipped")
	}
}

func TestShouldSkip_normalTextNotSkipped(t *testing.T) {
	if ShouldSkip(DefaultConfig(), "This is a perfectly normal sentence about cats.") {
		t.Fatal("expected normal text not to be skipped")
	}
}

func TestEstimateTokens_roughlyTracksLength(t *testing.T) {
	short := EstimateTokens("hello world")
	long := EstimateTokens(joinWords(repeat("word", 100)))
	if long <= short {
		t.Errorf("expected longer text to estimate more tokens: short=%d long=%d", short, long)
	}
}

func TestTruncate_noopWhenUnderTarget(t *testing.T) {
	text := "short text"
	got, truncated := Truncate(text, 1000)
	if truncated {
		t.Fatal("expected no truncation for short text under target")
	}
	if got != text {
		t.Errorf("got %q, want unchanged %q", got, text)
	}
}

func TestTruncate_shortensTextOverTarget(t *testing.T) {
	text := joinWords(repeat("word", 500)) + ". " + joinWords(repeat("tail", 500))
	got, truncated := Truncate(text, 50)
	if !truncated {
		t.Fatal("expected truncation for long text")
	}
	if len(got) >= len(text) {
		t.Errorf("expected truncated text to be shorter, got len=%d vs original len=%d", len(got), len(text))
	}
}

func joinWords(words []string) string {
	out := ""
	for i, w := range words {
		if i > 0 {
			out += " "
		}
		out += w
	}
	return out
}

func repeat(word string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = word
	}
	return out
}
