package unit

// Frame is a video frame.
type Frame struct {
	Base
	Keyframe bool
	Payload  []byte
}

// AudioChunk is an audio buffer.
type AudioChunk struct {
	Base
	SampleRate int
	Payload    []byte
}
