// Package protocol defines the messages exchanged between the stagehand
// CLI and daemon.
//
// Every message is a single line of JSON holding an [Envelope]: a command
// name and an optional payload. Requests carry the command to run;
// responses carry [CmdOK] with the command's result or [CmdError] with an
// [ErrorResult].
package protocol
