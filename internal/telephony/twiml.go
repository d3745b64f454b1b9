package telephony

import (
	"strconv"

	"github.com/twilio/twilio-go/twiml"

	"github.com/hirecall/interviewd/internal/interview"
)

// Silence after speech that ends a recording, in seconds.
const recordSilenceTimeout = "5"

// Renderer turns state machine instructions into TwiML documents.
type Renderer struct {
	URLs URLs
}

// Render produces the TwiML for in. Callback URLs carry interviewID and the
// asked question index.
func (r Renderer) Render(in interview.Instruction, interviewID, sayLanguage string) (string, error) {
	verbs := make([]twiml.Element, 0, len(in.Say)+3)
	for _, line := range in.Say {
		verbs = append(verbs, say(line, sayLanguage))
	}
	if in.Ask != nil {
		verbs = append(verbs, say(in.Ask.Text, sayLanguage))
		verbs = append(verbs, &twiml.VoiceRecord{
			Action:             r.URLs.Response(interviewID, in.Ask.Index),
			Method:             "POST",
			MaxLength:          strconv.Itoa(in.Ask.TimeoutSec),
			Timeout:            recordSilenceTimeout,
			PlayBeep:           "true",
			FinishOnKey:        "#",
			Transcribe:         "true",
			TranscribeCallback: r.URLs.Transcription(interviewID, in.Ask.Index),
		})
	}
	if in.Hangup || in.Ask == nil {
		verbs = append(verbs, &twiml.VoiceHangup{})
	}
	return twiml.Voice(verbs)
}

// Fallback is the TwiML answered when a webhook cannot be processed.
func Fallback(apology, sayLanguage string) string {
	verbs := []twiml.Element{&twiml.VoiceHangup{}}
	if apology != "" {
		verbs = append([]twiml.Element{say(apology, sayLanguage)}, verbs...)
	}
	out, err := twiml.Voice(verbs)
	if err != nil {
		return `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`
	}
	return out
}

func say(text, language string) *twiml.VoiceSay {
	return &twiml.VoiceSay{Message: text, Language: language}
}
