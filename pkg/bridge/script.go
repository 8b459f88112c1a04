package bridge

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"text/template"

	"github.com/teslashibe/go-quotecall/pkg/convai"
)

// Script names.
const (
	ScriptBusinessQuote   = "business"
	ScriptDealershipQuote = "dealership"
)

// Stream parameters every script understands.
const (
	ParamPrompt       = "prompt"
	ParamFirstMessage = "first_message"
	ParamScript       = "script"
	ParamLanguage     = "language"
)

// Persona parameters, shared by all scripts.
const (
	ParamUserName        = "user_name"
	ParamUserPhoneNumber = "user_phone_number"
	ParamUserLocation    = "user_location"
)

// DefaultPrompt is used when a stream arrives without a prompt parameter.
const DefaultPrompt = "you are a gary from the phone store"

const endCallDescription = "Politely say goodbye and end the call as soon as you get a quote."

// Persona is who the agent pretends to be.
type Persona struct {
	Name        string
	PhoneNumber string
	Location    string
}

// Target is the party being called and what is being asked of them.
type Target struct {
	Name        string
	URL         string
	PhoneNumber string
	Service     string
	Detail      string
	Location    string

	// Language is the agent language for this call, e.g. "es". Empty keeps
	// the agent default.
	Language string
}

// CallScript parameterizes a Bridge for one calling scenario: how the
// prompt is written, which tools the agent gets, and which stream
// parameter identifies the correlating record.
type CallScript struct {
	Name string

	// Template renders the agent prompt from the call's query parameters.
	Template *template.Template

	// DefaultPrompt is sent when the stream carries no prompt.
	DefaultPrompt string

	FirstMessage string
	Tools        []convai.Tool

	// CorrelationParam names the parameter holding the record key.
	CorrelationParam string

	// Parameter names for the Target fields.
	NameParam    string
	ServiceParam string
	DetailParam  string
}

// RenderPrompt executes the prompt template. Missing variables render
// as empty strings.
func (s CallScript) RenderPrompt(vars map[string]string) (string, error) {
	if s.Template == nil {
		return s.defaultPrompt(), nil
	}
	var b strings.Builder
	if err := s.Template.Execute(&b, vars); err != nil {
		return "", fmt.Errorf("bridge: render %s prompt: %w", s.Name, err)
	}
	return b.String(), nil
}

// CorrelationKey returns the record key carried in the stream parameters.
func (s CallScript) CorrelationKey(params map[string]string) string {
	return strings.TrimSpace(params[s.CorrelationParam])
}

// Initiation builds the first message for the agent connection.
func (s CallScript) Initiation(params map[string]string) convai.Initiation {
	prompt := params[ParamPrompt]
	if strings.TrimSpace(prompt) == "" {
		prompt = s.defaultPrompt()
	}
	first := s.FirstMessage
	if v := params[ParamFirstMessage]; v != "" {
		first = v
	}
	return convai.Initiation{
		Prompt:           prompt,
		FirstMessage:     first,
		Language:         strings.TrimSpace(params[ParamLanguage]),
		Tools:            append([]convai.Tool(nil), s.Tools...),
		DynamicVariables: dynamicVariables(params),
	}
}

// dynamicVariables exposes the call's own stream parameters to the agent's
// {{placeholders}}. Parameters that configure the session are left out.
func dynamicVariables(params map[string]string) map[string]string {
	var vars map[string]string
	for k, v := range params {
		switch k {
		case ParamPrompt, ParamFirstMessage, ParamScript, ParamLanguage:
			continue
		}
		if v == "" {
			continue
		}
		if vars == nil {
			vars = make(map[string]string)
		}
		vars[k] = v
	}
	return vars
}

// Query returns the call-setup query parameters for target, in the
// names this script's template expects.
func (s CallScript) Query(t Target, p Persona) url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if k != "" && v != "" {
			q.Set(k, v)
		}
	}
	set(ParamScript, s.Name)
	set(s.NameParam, t.Name)
	set(s.CorrelationParam, t.URL)
	set(s.ServiceParam, t.Service)
	set(s.DetailParam, t.Detail)
	set(ParamUserName, p.Name)
	set(ParamUserPhoneNumber, p.PhoneNumber)
	location := t.Location
	if location == "" {
		location = p.Location
	}
	set(ParamUserLocation, location)
	set(ParamLanguage, t.Language)
	return q
}

func (s CallScript) defaultPrompt() string {
	if s.DefaultPrompt != "" {
		return s.DefaultPrompt
	}
	return DefaultPrompt
}

const businessQuotePrompt = `You are someone calling local businesses to get quotes on services. Keep your tone casual and conversational, and add a few pauses, ums and ahs to make it sound natural.

Start by giving the basic context on what you're looking for by saying something like 'Hi, I'm looking for ...', don't provide any personal information or the service details unless asked.

If requested, answer questions based on the information below, without going into too much detail. Steer the conversation towards getting a quote.

Here is the relevant information:
Your Name: {{.user_name}}
Your Phone Number: {{.user_phone_number}}
Your Location: {{.user_location}}
Service: {{.service_description}}
Service Detail: {{.service_detail}}
Business You Are Calling: {{.business_name}}

Notes:
- If you're asked for personal information outside of the information above, defer and avoid providing any information.
- If you are asked something else that's not in the information above, just say you're not sure and make up an excuse. Push towards getting a quote as soon as possible, but be polite.
- Once you get quotes, ask if you can get a 10 percent discount.
- End the call immediately after getting an answer back about the discount, telling them you'll think about it and get back to them.
`

const dealershipQuotePrompt = `You are someone calling car dealerships to get an out-the-door price on a vehicle. Keep your tone casual and conversational, and add a few pauses, ums and ahs to make it sound natural.

Open with something like 'Hi, I'm interested in ...' and name the vehicle. Don't give personal information or trim details unless asked.

Here is the relevant information:
Your Name: {{.user_name}}
Your Phone Number: {{.user_phone_number}}
Your Location: {{.user_location}}
Vehicle: {{.vehicle}}
Vehicle Detail: {{.vehicle_detail}}
Dealership You Are Calling: {{.dealership_name}}

Notes:
- Ask for the total out-the-door price including fees, not the sticker price.
- If they will only quote in person, ask for their best estimate over the phone.
- If you're asked for personal information outside of the information above, defer politely.
- Once you have a price, ask whether there is any room to come down, then thank them and end the call.
`

// BusinessQuoteScript asks a local business for a service quote. The
// record key travels in the business_url parameter.
func BusinessQuoteScript() CallScript {
	return CallScript{
		Name:             ScriptBusinessQuote,
		Template:         template.Must(template.New(ScriptBusinessQuote).Option("missingkey=zero").Parse(businessQuotePrompt)),
		DefaultPrompt:    DefaultPrompt,
		Tools:            []convai.Tool{convai.EndCallTool(endCallDescription)},
		CorrelationParam: "business_url",
		NameParam:        "business_name",
		ServiceParam:     "service_description",
		DetailParam:      "service_detail",
	}
}

// DealershipQuoteScript asks a car dealership for a vehicle price. The
// record key travels in the dealership_url parameter.
func DealershipQuoteScript() CallScript {
	return CallScript{
		Name:             ScriptDealershipQuote,
		Template:         template.Must(template.New(ScriptDealershipQuote).Option("missingkey=zero").Parse(dealershipQuotePrompt)),
		DefaultPrompt:    DefaultPrompt,
		Tools:            []convai.Tool{convai.EndCallTool(endCallDescription)},
		CorrelationParam: "dealership_url",
		NameParam:        "dealership_name",
		ServiceParam:     "vehicle",
		DetailParam:      "vehicle_detail",
	}
}

// Scripts maps script names to scripts.
type Scripts map[string]CallScript

// DefaultScripts returns the built-in scripts.
func DefaultScripts() Scripts {
	return Scripts{
		ScriptBusinessQuote:   BusinessQuoteScript(),
		ScriptDealershipQuote: DealershipQuoteScript(),
	}
}

// Lookup returns the named script. An empty name selects the business
// quote script.
func (s Scripts) Lookup(name string) (CallScript, bool) {
	if name == "" {
		name = ScriptBusinessQuote
	}
	script, ok := s[name]
	return script, ok
}

// Names returns the registered script names, sorted.
func (s Scripts) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
