package twilio

import (
	"encoding/xml"
	"fmt"
)

// holdSeconds keeps the line open after playback until the manager hangs up
// or speaks again.
const holdSeconds = 120

type response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

type say struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

type gather struct {
	XMLName             xml.Name `xml:"Gather"`
	Input               string   `xml:"input,attr"`
	Action              string   `xml:"action,attr"`
	Method              string   `xml:"method,attr"`
	SpeechTimeout       string   `xml:"speechTimeout,attr"`
	ActionOnEmptyResult bool     `xml:"actionOnEmptyResult,attr"`
	Verbs               []any
}

type reject struct {
	XMLName xml.Name `xml:"Reject"`
}

func newGather(action string, verbs ...any) gather {
	return gather{
		Input:               "speech",
		Action:              action,
		Method:              "POST",
		SpeechTimeout:       "auto",
		ActionOnEmptyResult: true,
		Verbs:               verbs,
	}
}

func render(verbs ...any) (string, error) {
	out, err := xml.Marshal(response{Verbs: verbs})
	if err != nil {
		return "", fmt.Errorf("twilio: render twiml: %w", err)
	}
	return xml.Header + string(out), nil
}

func notifyTwiML(message string) (string, error) {
	return render(say{Text: message}, pause{Length: holdSeconds})
}

func sayAndHoldTwiML(text string) (string, error) {
	return render(say{Text: text}, pause{Length: holdSeconds})
}

func sayAndGatherTwiML(text, action string) (string, error) {
	return render(newGather(action, say{Text: text}))
}

func listenTwiML(action string) (string, error) {
	return render(newGather(action))
}

func rejectTwiML() (string, error) {
	return render(reject{})
}

func emptyTwiML() (string, error) {
	return render()
}
