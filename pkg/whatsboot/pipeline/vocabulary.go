package pipeline

import (
	"fmt"
	"strings"
)

// Operator commands.
const (
	CommandPause  = "/agente"
	CommandResume = "/boot"
)

// Fixed replies.
const (
	ReplyPaused        = "Cambiando de Operador! Un agente humano atenderá tu consulta pronto."
	ReplyResumed       = "Chatbot reanudado. ¿En qué puedo ayudarte?"
	ReplyMediaCaption  = "¡Aquí tienes! ¿Hay algo más en lo que pueda ayudarte?"
	ReplyMediaFailed   = "Lo siento, hubo un problema al mostrar el contenido que solicitaste."
	ReplyGreetedBefore = "Ya nos saludamos antes 😊. "
)

// Completion fallbacks. The participant always gets one of these instead
// of a provider error.
const (
	FallbackMissingInput  = "Lo siento, hubo un error en el procesamiento del mensaje."
	FallbackEmptyResponse = "Lo siento, no pude generar una respuesta apropiada."
	FallbackError         = "Lo siento, hubo un problema al procesar tu mensaje. Por favor, intenta de nuevo."
)

var affirmatives = map[string]bool{
	"sí": true, "si": true, "yes": true, "ok": true, "claro": true,
	"por supuesto": true, "dale": true, "bueno": true, "está bien": true,
}

var negatives = map[string]bool{
	"no": true, "nope": true, "para nada": true, "no gracias": true, "no quiero": true,
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// IsAffirmative reports whether text is a plain "yes".
func IsAffirmative(text string) bool { return affirmatives[normalize(text)] }

// IsNegative reports whether text is a plain "no".
func IsNegative(text string) bool { return negatives[normalize(text)] }

// ContainsQuestion reports whether text asks something.
func ContainsQuestion(text string) bool {
	return strings.ContainsAny(text, "?¿")
}

func affirmativePrompt(question string) string {
	return fmt.Sprintf("El usuario respondió afirmativamente a mi pregunta: \"%s\". Debo continuar la conversación de forma natural sin repetir la información anterior. ¿Cuál sería una buena respuesta de seguimiento?", question)
}

func negativePrompt(question string) string {
	return fmt.Sprintf("El usuario respondió negativamente a mi pregunta: \"%s\". Debo responder adecuadamente y ofrecer alternativas o continuar la conversación de manera natural.", question)
}
