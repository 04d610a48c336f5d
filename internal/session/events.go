package session

// Outbound event payloads, one type per server-emitted event in the
// signalling contract. Encoded as {"type": "...", ...fields} by wsx.Hub,
// mirroring the teacher's flat JSON message shape.

type waitingEvent struct {
	Type string `json:"type"`
}

func newWaitingEvent() waitingEvent { return waitingEvent{Type: "waiting"} }

type partnerConnectedEvent struct {
	Type      string `json:"type"`
	MeetingID string `json:"meetingId"`
}

type userDisconnectedEvent struct {
	Type string `json:"type"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newErrorEvent(message string) errorEvent { return errorEvent{Type: "error", Message: message} }

type producerCreatedEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type newProducerEvent struct {
	Type       string `json:"type"`
	ProducerID string `json:"producerId"`
	Kind       string `json:"kind"`
}

type routerCapabilitiesEvent struct {
	Type             string      `json:"type"`
	RTPCapabilities interface{} `json:"rtpCapabilities"`
}

type transportCreatedEvent struct {
	Type           string      `json:"type"`
	ID             string      `json:"id"`
	ICEParameters  interface{} `json:"iceParameters"`
	ICECandidates  interface{} `json:"iceCandidates"`
	DTLSParameters interface{} `json:"dtlsParameters"`
	Direction      string      `json:"direction"`
}

type transportConnectedEvent struct {
	Type        string `json:"type"`
	TransportID string `json:"transportId"`
}

type consumerCreatedEvent struct {
	Type         string      `json:"type"`
	ID           string      `json:"id"`
	ProducerID   string      `json:"producerId"`
	Kind         string      `json:"kind"`
	RTPParameters interface{} `json:"rtpParameters"`
}

type overlayDataEvent struct {
	Type       string      `json:"type"`
	Landmarks  interface{} `json:"landmarks"`
	OverlayURL string      `json:"overlayUrl"`
	Opacity    float64     `json:"opacity"`
}

type chatMessageEvent struct {
	Type       string `json:"type"`
	From       string `json:"from"`
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

type settingsAckEvent struct {
	Type       string  `json:"type"`
	OverlayURL string  `json:"overlayUrl"`
	Opacity    float64 `json:"opacity"`
	Enabled    bool    `json:"enabled"`
}

type offerEvent struct {
	Type   string      `json:"type"`
	RoomID string      `json:"roomId"`
	SDP    interface{} `json:"sdp"`
}

type answerEvent struct {
	Type   string      `json:"type"`
	RoomID string      `json:"roomId"`
	SDP    interface{} `json:"sdp"`
}

type iceCandidateEvent struct {
	Type      string      `json:"type"`
	RoomID    string      `json:"roomId"`
	Candidate interface{} `json:"candidate"`
	Kind      string      `json:"kind"` // "sender" or "receiver"
}
