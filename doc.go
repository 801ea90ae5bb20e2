// Package cspcore implements the client side of an end-to-end encrypted
// chat protocol: message envelopes, a reliable send queue, the encrypted
// connection to the chat server and forward security sessions between
// contacts.
//
// # Getting Started
//
// Load an identity, describe the server and the contacts, then start the
// client:
//
//	local, err := identity.LoadLocal("identity.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	contacts := identity.NewMemoryContacts()
//	contacts.Add(identity.Contact{
//	    Identity:    "ECHOECHO",
//	    PublicKey:   echoKey,
//	    FeatureMask: identity.FeatureForwardSecurity,
//	})
//
//	options := cspcore.NewOptions("/var/lib/cspclient")
//	options.Server = transport.ServerInfo{Host: "chat.example.org", Ports: []uint16{5222}, PublicKey: serverKey}
//	options.Contacts = contacts
//
//	client, err := cspcore.NewClient(local, options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnMessage(func(m messages.Message) error {
//	    if text, ok := m.(*messages.Text); ok {
//	        fmt.Printf("%s: %s\n", text.From, text.Text)
//	    }
//	    return nil
//	})
//
//	client.Start(ctx)
//	client.SendText("ECHOECHO", "Hello!")
//
// # Message flow
//
// Outgoing messages pass through the forward security processor (package
// fs) when the contact supports it, are encrypted into a MessageBox by
// package coder and held by the send queue (package messaging) until the
// server acknowledges them. The queue retransmits on every login and is
// saved to the data directory on Close.
//
// Incoming envelopes are checked against the nonce store, decrypted,
// unwrapped by the forward security processor and handed to the
// MessageHandler. The peer ratchet is committed only after the handler
// returns nil, so a message that could not be stored is decrypted again
// when the server redelivers it.
//
// # Packages
//
//   - [github.com/opd-ai/cspcore/transport]: server connection, handshake and framing
//   - [github.com/opd-ai/cspcore/coder]: envelope encryption and padding
//   - [github.com/opd-ai/cspcore/messages]: message types and their bodies
//   - [github.com/opd-ai/cspcore/messaging]: send queue
//   - [github.com/opd-ai/cspcore/fs]: forward security sessions and ratchets
//   - [github.com/opd-ai/cspcore/storage]: SQLite session store
//   - [github.com/opd-ai/cspcore/identity]: local identity and contacts
//   - [github.com/opd-ai/cspcore/crypto]: NaCl and BLAKE2b primitives, nonce store
package cspcore
