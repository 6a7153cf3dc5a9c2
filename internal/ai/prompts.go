package ai

import "fmt"

const suggestionSystemPrompt = `You are a collaborative writing assistant embedded in a shared document editor.
You are given the full document, a selected passage, and an instruction.
Rewrite only the selected passage according to the instruction.
Reply with the replacement text alone, with no preamble, quotes, or commentary.`

const chatSystemPrompt = `You are a collaborative writing assistant embedded in a shared document editor.
Participants can ask you questions about the document they are editing together.
Answer concisely and ground every claim in the document content provided.`

const threadSystemPrompt = `You are a collaborative writing assistant participating in a discussion thread
anchored to a passage of a shared document. Address the thread's question with
reference to the anchored passage. Keep replies short and specific.`

func suggestionUserPrompt(document, target, instruction string) string {
	return fmt.Sprintf("Document:\n%s\n\nSelected passage:\n%s\n\nInstruction:\n%s", document, target, instruction)
}

func chatUserPrompt(document, question string) string {
	return fmt.Sprintf("Document:\n%s\n\nQuestion:\n%s", document, question)
}

func threadUserPrompt(document, anchorText, question string) string {
	return fmt.Sprintf("Document:\n%s\n\nAnchored passage:\n%s\n\nThread message:\n%s", document, anchorText, question)
}
