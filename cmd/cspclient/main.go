// Command cspclient logs in to a chat server, sends text messages and
// prints incoming ones. Messages to contacts with forward security
// support are exchanged through forward security sessions.
//
// A minimal ~/.cspclient/config.yaml:
//
//	server:
//	  host: chat.example.org
//	  ports: [5222, 443]
//	  public_key: 45...a2
//	contacts:
//	  - identity: ECHOECHO
//	    public_key: 4a...1f
//	    forward_security: true
package main

import (
	"os"

	"github.com/opd-ai/cspcore/cmd/cspclient/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
