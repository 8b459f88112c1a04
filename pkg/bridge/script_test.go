package bridge

import (
	"strings"
	"testing"
)

func TestBusinessQuoteScriptPrompt(t *testing.T) {
	s := BusinessQuoteScript()
	prompt, err := s.RenderPrompt(map[string]string{
		"business_name":       "Bay Plumbing",
		"service_description": "water heater install",
		"user_name":           "Jason",
		"user_location":       "San Francisco",
	})
	if err != nil {
		t.Fatalf("RenderPrompt failed: %v", err)
	}

	for _, want := range []string{
		"Your Name: Jason",
		"Service: water heater install",
		"Business You Are Calling: Bay Plumbing",
		"10 percent discount",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "<no value>") {
		t.Error("missing variables should render empty")
	}
	if !strings.Contains(prompt, "Your Phone Number: \n") {
		t.Error("expected empty phone number line")
	}
}

func TestCallScriptInitiation(t *testing.T) {
	s := BusinessQuoteScript()

	t.Run("prompt from stream", func(t *testing.T) {
		in := s.Initiation(map[string]string{"prompt": "Hi", "business_url": "http://x.test"})
		if in.Prompt != "Hi" {
			t.Errorf("Prompt = %q", in.Prompt)
		}
		if len(in.Tools) != 1 || in.Tools[0].Type != "system" || in.Tools[0].Name != "end_call" {
			t.Errorf("Tools = %+v", in.Tools)
		}
	})

	t.Run("stream parameters become dynamic variables", func(t *testing.T) {
		in := s.Initiation(map[string]string{
			"prompt":        "Hi",
			"script":        "business",
			"language":      " es ",
			"business_url":  "http://x.test",
			"business_name": "Bay Plumbing",
			"empty":         "",
		})
		if in.Language != "es" {
			t.Errorf("Language = %q", in.Language)
		}
		want := map[string]string{"business_url": "http://x.test", "business_name": "Bay Plumbing"}
		if len(in.DynamicVariables) != len(want) {
			t.Errorf("DynamicVariables = %v", in.DynamicVariables)
		}
		for k, v := range want {
			if in.DynamicVariables[k] != v {
				t.Errorf("DynamicVariables[%s] = %q", k, in.DynamicVariables[k])
			}
		}
		if s.Initiation(map[string]string{"prompt": "Hi"}).DynamicVariables != nil {
			t.Error("expected no dynamic variables")
		}
	})

	t.Run("default prompt", func(t *testing.T) {
		in := s.Initiation(map[string]string{"prompt": "  "})
		if in.Prompt != DefaultPrompt {
			t.Errorf("Prompt = %q, want default", in.Prompt)
		}
	})

	t.Run("first message override", func(t *testing.T) {
		in := s.Initiation(map[string]string{"first_message": "Hello there"})
		if in.FirstMessage != "Hello there" {
			t.Errorf("FirstMessage = %q", in.FirstMessage)
		}
	})

	t.Run("tools are copied", func(t *testing.T) {
		in := s.Initiation(nil)
		in.Tools[0].Name = "changed"
		if s.Tools[0].Name != "end_call" {
			t.Error("Initiation shares the script's tool slice")
		}
	})
}

func TestCallScriptCorrelationKey(t *testing.T) {
	params := map[string]string{
		"business_url":   " http://x.test ",
		"dealership_url": "http://cars.test",
	}
	if got := BusinessQuoteScript().CorrelationKey(params); got != "http://x.test" {
		t.Errorf("business key = %q", got)
	}
	if got := DealershipQuoteScript().CorrelationKey(params); got != "http://cars.test" {
		t.Errorf("dealership key = %q", got)
	}
	if got := BusinessQuoteScript().CorrelationKey(nil); got != "" {
		t.Errorf("key from nil params = %q", got)
	}
}

func TestCallScriptQuery(t *testing.T) {
	target := Target{Name: "Tesla Marin", URL: "http://cars.test", Service: "Model 3", Detail: "long range"}
	persona := Persona{Name: "Jason", PhoneNumber: "(415) 319-7677", Location: "San Francisco"}

	q := DealershipQuoteScript().Query(target, persona)
	want := map[string]string{
		"script":            "dealership",
		"dealership_name":   "Tesla Marin",
		"dealership_url":    "http://cars.test",
		"vehicle":           "Model 3",
		"vehicle_detail":    "long range",
		"user_name":         "Jason",
		"user_phone_number": "(415) 319-7677",
		"user_location":     "San Francisco",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}

	target.Location = "Oakland"
	if q.Get("language") != "" {
		t.Errorf("language set without a target language: %q", q.Get("language"))
	}
	target.Language = "es"
	if got := DealershipQuoteScript().Query(target, persona).Get("language"); got != "es" {
		t.Errorf("language = %q", got)
	}

	if got := BusinessQuoteScript().Query(target, persona).Get("user_location"); got != "Oakland" {
		t.Errorf("target location should win, got %q", got)
	}
}

func TestScriptsLookup(t *testing.T) {
	scripts := DefaultScripts()

	s, ok := scripts.Lookup("")
	if !ok || s.Name != ScriptBusinessQuote {
		t.Errorf("empty name resolved to %q", s.Name)
	}
	if s, ok := scripts.Lookup("dealership"); !ok || s.CorrelationParam != "dealership_url" {
		t.Errorf("dealership lookup = %+v, %v", s, ok)
	}
	if _, ok := scripts.Lookup("mortgage"); ok {
		t.Error("unknown script resolved")
	}
	if got := scripts.Names(); len(got) != 2 || got[0] != "business" || got[1] != "dealership" {
		t.Errorf("Names() = %v", got)
	}
}
