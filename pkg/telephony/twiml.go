package telephony

import "encoding/xml"

// ============================================
// TWIML GENERATION
// ============================================

// TwiMLResponse is the call-control document returned to the provider.
type TwiMLResponse struct {
	XMLName xml.Name `xml:"Response"`
	Connect *Connect `xml:"Connect"`
}

// Connect instructs the provider to open a bidirectional media stream.
type Connect struct {
	Stream Stream `xml:"Stream"`
}

// Stream names the WebSocket endpoint and the parameters forwarded to it.
type Stream struct {
	URL        string      `xml:"url,attr"`
	Parameters []Parameter `xml:"Parameter"`
}

// Parameter is surfaced to the stream as a custom parameter on the start event.
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// MediaStreamTwiML builds the document that connects a call to the media
// stream endpoint on the given host, carrying the prompt and greeting
// through to the stream's start event.
func MediaStreamTwiML(host, prompt, firstMessage string) ([]byte, error) {
	doc := TwiMLResponse{
		Connect: &Connect{
			Stream: Stream{
				URL: "wss://" + host + "/outbound-media-stream",
				Parameters: []Parameter{
					{Name: "prompt", Value: prompt},
					{Name: "first_message", Value: firstMessage},
				},
			},
		},
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
