package quotes

import (
	"strings"
	"testing"
)

func TestStripEmpty(t *testing.T) {
	if got := Strip(""); got != "" {
		t.Errorf("Strip(\"\") = %q", got)
	}
}

func TestStripPlainTextUnchanged(t *testing.T) {
	in := "Yes please, still available.\nCould you collect tomorrow?"
	if got := Strip(in); got != in {
		t.Errorf("plain text altered: %q", got)
	}
}

func TestStripOriginalMessageBanner(t *testing.T) {
	in := "Great, see you then.\n\n----- Original Message -----\nFrom: someone\nAll the old text."
	got := Strip(in)
	if got != "Great, see you then." {
		t.Errorf("got %q", got)
	}
}

func TestStripWroteAttribution(t *testing.T) {
	in := "I can do Saturday.\n\nOn Mon, 2 Jan 2023 at 15:04, Fred <fred@example.com> wrote:\n> earlier text\n> more earlier text"
	got := Strip(in)
	if got != "I can do Saturday." {
		t.Errorf("got %q", got)
	}
}

func TestStripInlineWrotePreserved(t *testing.T) {
	in := "As you wrote: the sofa is blue, and that suits me fine."
	if got := Strip(in); got != in {
		t.Errorf("inline attribution mangled: %q", got)
	}
}

func TestStripQuotedLines(t *testing.T) {
	in := "My reply here.\n> quoted line one\n> quoted line two\nAnd a bit more."
	got := Strip(in)
	if strings.Contains(got, "quoted line") {
		t.Errorf("quoted lines survived: %q", got)
	}
	if !strings.Contains(got, "My reply here.") || !strings.Contains(got, "And a bit more.") {
		t.Errorf("reply text lost: %q", got)
	}
}

func TestStripSeparator(t *testing.T) {
	in := "Thanks!\n________\nOld footer content"
	if got := Strip(in); got != "Thanks!" {
		t.Errorf("got %q", got)
	}
}

func TestStripPlatformFooter(t *testing.T) {
	in := "Collected, thanks.\n\nThis message was from user #12345 and you can reply directly."
	if got := Strip(in); got != "Collected, thanks." {
		t.Errorf("got %q", got)
	}
	in = "All sorted.\nFreegle is registered as a charity in England and Wales."
	if got := Strip(in); got != "All sorted." {
		t.Errorf("got %q", got)
	}
}

func TestStripSignatures(t *testing.T) {
	in := "See you at 2pm.\n\nSent from my iPhone"
	if got := Strip(in); got != "See you at 2pm." {
		t.Errorf("got %q", got)
	}
	in = "Fine by me.\nGet Outlook for Android"
	if got := Strip(in); got != "Fine by me." {
		t.Errorf("got %q", got)
	}
}

func TestStripImagePlaceholders(t *testing.T) {
	in := "Here is a photo.\n[image: sofa.jpg]\n[cid:abc123]\nLooks good?"
	got := Strip(in)
	if strings.Contains(got, "[image") || strings.Contains(got, "[cid") {
		t.Errorf("placeholders survived: %q", got)
	}
}

func TestStripLoginKeys(t *testing.T) {
	in := "Details at https://www.ilovefreegle.org/chats/1?k=s3cretkey&page=2 for you."
	got := Strip(in)
	if strings.Contains(got, "s3cretkey") {
		t.Errorf("login key survived: %q", got)
	}
	if !strings.Contains(got, "https://www.ilovefreegle.org/chats/1") {
		t.Errorf("URL lost: %q", got)
	}
	if !strings.Contains(got, "page=2") {
		t.Errorf("other params lost: %q", got)
	}
}

func TestStripNBSPAndBlankLines(t *testing.T) {
	in := "Hello there.\n\n\n\n\nBye."
	got := Strip(in)
	if got != "Hello there.\n\nBye." {
		t.Errorf("got %q", got)
	}
}

func TestStripIdempotent(t *testing.T) {
	inputs := []string{
		"",
		"plain text, nothing to strip",
		"reply\n> quoted\n----- Original Message -----\nold",
		"a\n\n\n\n\nb\nSent from my iPhone",
		"link https://x.org/p?k=abc&q=1 done\nOn Mon Fred wrote:\n> old",
		"Thanks a lot\n________\nfooter",
	}
	for _, in := range inputs {
		once := Strip(in)
		twice := Strip(once)
		if once != twice {
			t.Errorf("not idempotent for %q: %q vs %q", in, once, twice)
		}
	}
}
