package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonProtocolDecode ReasonCode = "protocol_decode"
	ReasonTransportSend  ReasonCode = "transport_send"

	ReasonSTTTranscode  ReasonCode = "stt_transcode"
	ReasonSTTTranscribe ReasonCode = "stt_transcribe"
	ReasonSTTCommit     ReasonCode = "stt_commit"
	ReasonSTTStream     ReasonCode = "stt_stream"

	ReasonLLMStream    ReasonCode = "llm_stream"
	ReasonLLMRateLimit ReasonCode = "llm_rate_limit"

	ReasonTTSSynthesize ReasonCode = "tts_synthesize"

	ReasonEmbedQuery      ReasonCode = "embed_query"
	ReasonRetrievalSearch ReasonCode = "retrieval_search"
	ReasonRetrievalLoad   ReasonCode = "retrieval_load"
)
