// Package agent drives a chat session through tool use.
//
// One Run sends the user's prompt, streams the reply to an Observer, hands
// every function call of the committed reply to the scheduler, waits for the
// batch to complete and sends the function responses back as the next
// message. It repeats until the model answers without calling tools, the
// turn limit is reached or the send fails.
//
//	sess := chat.NewSession(gen, nil, chat.WithTools(registry))
//	sched := scheduler.New(registry, scheduler.WithApprover(prompt))
//	a := agent.New(sess, sched, agent.DefaultConfig())
//	defer a.Close()
//	res, err := a.Run(ctx, "fix the failing test")
//
// The system instruction is assembled by BuildSystemInstruction from a base
// prompt, a description of the working environment and any GEMINI.md files
// between the repository root and the working directory.
package agent
