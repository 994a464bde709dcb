package provider

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Parameters is the typed view of an app's /parameters response.
type Parameters struct {
	OpeningStatement              string            `json:"opening_statement"`
	SuggestedQuestions            []string          `json:"suggested_questions"`
	SuggestedQuestionsAfterAnswer bool              `json:"suggested_questions_after_answer"`
	SpeechToText                  bool              `json:"speech_to_text"`
	TextToSpeech                  bool              `json:"text_to_speech"`
	ImageUpload                   bool              `json:"image_upload"`
	UserInputForm                 []json.RawMessage `json:"user_input_form"`
}

// DecodeParameters reads raw field by field. Each field has a declared
// default that applies when it is missing or has the wrong type, so the
// decode never fails on a provider that adds, drops, or reshapes fields.
func DecodeParameters(raw []byte) Parameters {
	p := Parameters{
		SuggestedQuestions: []string{},
		UserInputForm:      []json.RawMessage{},
	}
	if !gjson.ValidBytes(raw) {
		return p
	}
	root := gjson.ParseBytes(raw)

	if v := root.Get("opening_statement"); v.Type == gjson.String {
		p.OpeningStatement = v.String()
	}
	if v := root.Get("suggested_questions"); v.IsArray() {
		for _, q := range v.Array() {
			if q.Type == gjson.String {
				p.SuggestedQuestions = append(p.SuggestedQuestions, q.String())
			}
		}
	}
	p.SuggestedQuestionsAfterAnswer = flag(root, "suggested_questions_after_answer.enabled")
	p.SpeechToText = flag(root, "speech_to_text.enabled")
	p.TextToSpeech = flag(root, "text_to_speech.enabled")
	p.ImageUpload = flag(root, "file_upload.image.enabled")

	if v := root.Get("user_input_form"); v.IsArray() {
		for _, item := range v.Array() {
			if item.IsObject() {
				p.UserInputForm = append(p.UserInputForm, json.RawMessage(item.Raw))
			}
		}
	}
	return p
}

// flag reads a boolean switch, treating anything but literal true as off.
func flag(root gjson.Result, path string) bool {
	v := root.Get(path)
	return v.Type == gjson.True
}
