package prompts

import (
	"strings"
	"testing"
)

func TestNewsletterManagerSystem(t *testing.T) {
	if got := NewsletterManagerSystem("  \n"); got != newsletterManagerTemplate {
		t.Error("blank memory context changed the prompt")
	}

	ctx := "PREVIOUS CONVERSATION HISTORY:\nUser: hi"
	got := NewsletterManagerSystem(ctx)
	if !strings.HasPrefix(got, newsletterManagerTemplate) || !strings.HasSuffix(got, "\n\n"+ctx) {
		t.Errorf("memory context not appended:\n%s", got)
	}
	if !strings.Contains(got, "ask_confirmation") {
		t.Error("system prompt does not mention ask_confirmation")
	}
}

func TestArticleDraft(t *testing.T) {
	tests := []struct {
		name    string
		details []string
		want    string
	}{
		{"no details", nil, "None provided"},
		{"bullets", []string{"30 pianos", "five boroughs"}, "- 30 pianos\n- five boroughs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ArticleDraft("Play Me, I'm Yours", "inspiring", "short", tt.details)
			for _, want := range []string{"Play Me, I'm Yours", "Tone: inspiring", "Length: short", tt.want} {
				if !strings.Contains(got, want) {
					t.Errorf("prompt missing %q", want)
				}
			}
		})
	}
}

func TestHeaderImage(t *testing.T) {
	got := HeaderImage("vibrant", "joyful", "a choir in a park")
	if !strings.Contains(got, "vibrant and joyful") || !strings.Contains(got, "Subject: a choir in a park.") {
		t.Errorf("HeaderImage() = %q", got)
	}
}

func TestAcknowledgement(t *testing.T) {
	if got := Acknowledgement("<@U1>"); got != "👋 Hi <@U1>, I'm looking into that..." {
		t.Errorf("Acknowledgement() = %q", got)
	}
}
