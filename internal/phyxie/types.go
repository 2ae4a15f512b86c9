// Package phyxie implements the HTTP client for the Phyxie conversational-AI
// API (Dify-compatible wire protocol). The client is a stateless transform:
// it turns a request into a classified response or failure and never touches
// session state.
package phyxie

// FileKind tags the payload category of an uploaded file. The upload and
// send paths are shared; only this tag differs.
type FileKind string

const (
	// FileKindImage covers photo payloads.
	FileKindImage FileKind = "image"
	// FileKindDocument covers document payloads.
	FileKindDocument FileKind = "document"
	// FileKindCustom covers anything outside the known extension lists.
	FileKindCustom FileKind = "custom"
)

// MessageRequest asks the assistant to answer a text message.
type MessageRequest struct {
	// ConversationID continues an existing thread; empty starts a new one.
	ConversationID string
	// Text is the user's message.
	Text string
	// User is the API-side user handle.
	User string
}

// FileRequest asks the assistant to process an uploaded file.
type FileRequest struct {
	ConversationID string
	User           string
	// Filename carries the extension used for validation and kind tagging.
	Filename string
	// Data is the raw file payload.
	Data []byte
	// MIMEType is the declared content type.
	MIMEType string
	// Caption is the question to ask about the file.
	Caption string
}

// ChatResponse is the assistant's answer.
type ChatResponse struct {
	Event          string `json:"event"`
	TaskID         string `json:"task_id"`
	ID             string `json:"id"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Mode           string `json:"mode"`
	Answer         string `json:"answer"`
	CreatedAt      int64  `json:"created_at"`
}

// chatRequest is the wire body for POST /chat-messages.
type chatRequest struct {
	Query            string         `json:"query"`
	User             string         `json:"user"`
	Inputs           map[string]any `json:"inputs"`
	ResponseMode     string         `json:"response_mode"`
	AutoGenerateName bool           `json:"auto_generate_name"`
	ConversationID   string         `json:"conversation_id,omitempty"`
	Files            []fileRef      `json:"files,omitempty"`
}

// fileRef points a chat message at a previously uploaded file.
type fileRef struct {
	Type           FileKind `json:"type"`
	TransferMethod string   `json:"transfer_method"`
	UploadFileID   string   `json:"upload_file_id"`
}

// uploadResponse is the wire body returned by POST /files/upload.
type uploadResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Extension string `json:"extension"`
	MIMEType  string `json:"mime_type"`
	CreatedBy string `json:"created_by"`
	CreatedAt int64  `json:"created_at"`
}

// errorBody is the structured error the API returns on 4xx.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}
