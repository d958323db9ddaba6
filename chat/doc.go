// Package chat holds the chat message model and the IRC session that produces it.
//
// A Session is one anonymous (justinfan) connection to Twitch chat with the tags and commands
// capabilities. It tracks the channels the server has acknowledged joining, and Join/Part block
// until the server echoes the corresponding JOIN/PART or JOIN_TIMEOUT elapses.
//
// Every PRIVMSG is decoded into a Message (see Decode) and handed to a Submitter, normally the
// ingestion router. Messages that fail to decode are dropped and counted.
package chat
