package contextkeys

import "context"

type messageTypeKey struct{}
type subscriberIDKey struct{}
type callbackDataKey struct{}
type langKey struct{}

type MessageType string

const (
	MessageTypeText        MessageType = "text"
	MessageTypeUnknown     MessageType = "unknown"
	MessageTypeCommand     MessageType = "command"
	MessageTypeClickButton MessageType = "clickButton"
	MessageTypePreCheckout MessageType = "preCheckout"
	MessageTypePayment     MessageType = "payment"
)

func WithMessageType(ctx context.Context, msgType MessageType) context.Context {
	return context.WithValue(ctx, messageTypeKey{}, msgType)
}

func GetMessageType(ctx context.Context) (MessageType, bool) {
	v := ctx.Value(messageTypeKey{})
	if v == nil {
		return MessageTypeUnknown, false
	}
	return v.(MessageType), true
}

// WithSubscriberID stores the Telegram user id the update came from.
func WithSubscriberID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, subscriberIDKey{}, id)
}

func GetSubscriberID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subscriberIDKey{}).(string)
	return v, ok && v != ""
}

func WithCallbackData(ctx context.Context, data string) context.Context {
	return context.WithValue(ctx, callbackDataKey{}, data)
}

func GetCallbackData(ctx context.Context) (string, bool) {
	v := ctx.Value(callbackDataKey{})
	if v == nil {
		return "", false
	}
	return v.(string), true
}

func WithLang(ctx context.Context, lang string) context.Context {
	return context.WithValue(ctx, langKey{}, lang)
}

func GetLang(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(langKey{}).(string)
	return v, ok && v != ""
}
