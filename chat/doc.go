// Package chat holds a conversation with a content generator.
//
// A Session owns the conversation history and sends one message at a time.
// SendMessageStream returns a lazy sequence of StreamEvent values: the
// chunks of the reply as they arrive, retry notices and budget warnings.
// The reply is committed to history only once the stream has been
// validated; otherwise the user turn is rolled back.
//
//	sess := chat.NewSession(gen, nil, chat.WithTools(registry))
//	for ev, err := range sess.SendMessageStream(ctx, "gemini-2.5-pro", parts, "") {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(chat.ResponseText(ev.Chunk))
//	}
//
// # Validation and retries
//
// A stream is valid when it ends with a finish reason and carries text or a
// function call. Invalid streams, stalled streams and transient generator
// errors are retried by the RetryController with exponential backoff.
// Persistent quota errors on the primary model can switch the session to a
// fallback model, after which the fallback's own attempt budget applies.
//
// # History
//
// History keeps every turn. The curated view sent to the model drops model
// turns that are empty or contain empty parts. Before each request the
// ContextBudget summarizes oversized function responses in older turns and
// removes the oldest turns when the estimated request size reaches the safe
// fraction of the model's context window.
package chat
