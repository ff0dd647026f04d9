package tts

// VoiceProfile selects the synthetic voice that reads replies aloud.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (1.0 = default). Providers clamp it
	// to the range they support. Zero means default.
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, accent, ...).
	Metadata map[string]string
}
