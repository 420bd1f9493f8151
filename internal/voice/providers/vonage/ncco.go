package vonage

import "encoding/json"

// ncco is a Nexmo Call Control Object list.
type ncco []nccoAction

type nccoAction struct {
	Action string `json:"action"`

	// talk
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
	BargeIn  *bool  `json:"bargeIn,omitempty"`

	// input
	Type        []string        `json:"type,omitempty"`
	EventURL    []string        `json:"eventUrl,omitempty"`
	EventMethod string          `json:"eventMethod,omitempty"`
	Speech      *speechSettings `json:"speech,omitempty"`
}

type speechSettings struct {
	Language     string  `json:"language,omitempty"`
	EndOnSilence float64 `json:"endOnSilence,omitempty"`
	StartTimeout int     `json:"startTimeout,omitempty"`
	MaxDuration  int     `json:"maxDuration,omitempty"`
}

const (
	defaultLanguage = "en-US"
	// inputStartTimeout is the longest Vonage lets an input action wait for
	// speech to begin.
	inputStartTimeout = 60
)

func talk(text string) nccoAction {
	return nccoAction{Action: "talk", Text: text, Language: defaultLanguage}
}

func speechInput(eventURL string) nccoAction {
	return nccoAction{
		Action:      "input",
		Type:        []string{"speech"},
		EventURL:    []string{eventURL},
		EventMethod: "POST",
		Speech: &speechSettings{
			Language:     defaultLanguage,
			EndOnSilence: 1.5,
			StartTimeout: inputStartTimeout,
		},
	}
}

func (n ncco) json() []byte {
	raw, _ := json.Marshal(n)
	return raw
}
