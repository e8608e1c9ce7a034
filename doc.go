// Package mailstore is the storage abstraction layer of a mail server.
//
// It lets multiple on-disk mailbox formats (maildir-like, single-file,
// dbox-style) be addressed through one polymorphic interface, and it
// implements the transactional protocol that makes mailbox creation and
// mutation crash-safe.
//
// # Basic Usage
//
//	reg := mailstore.NewRegistry()
//	reg.Register(dbox.New())
//	reg.Register(maildir.New())
//
//	if err := reg.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer reg.Close(ctx)
//
//	// "dbox:/var/mail/alice" selects the dbox backend explicitly;
//	// a bare path goes through autodetection instead.
//	st, err := reg.CreateWithData(ctx, "dbox:/var/mail/alice", "alice", 0, mailstore.LockMethodFcntl)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Destroy(ctx)
//
//	box, err := st.OpenMailbox(ctx, "INBOX", 0)
//	if err != nil {
//	    msg, _ := st.LastError()
//	    log.Fatal(msg)
//	}
//	defer box.Close(ctx)
//
// # Storage Backends
//
// The backend packages provide implementations for:
//   - dbox (backend/dbox) - index-synchronized, one file per message
//   - maildir (backend/maildir) - cur/new/tmp directory layout
//   - mbox (backend/mbox) - single-file mailboxes
//
// Backends register with a Registry and are selected by explicit name
// prefix ("maildir:~/Maildir"), by autodetection against the location
// string, or by default probing when no location is given.
//
// # Error Reporting
//
// Every Storage carries a single error slot. Operations that fail set it
// before returning; read it with LastError immediately after a failed
// call, since the next call may replace it. Critical errors log their full
// detail to the operator log and expose only a fixed timestamped message
// to the client, so that sensitive paths never leak over the wire.
//
// # Events
//
// Mailbox lifecycle notifications use the github.com/rbaliyan/event/v3
// library. Pass WithRedisClient or WithEventTransport to NewRegistry to
// enable them; events are registered during Connect:
//
//	events := reg.Events()
//	events.MailboxCreated.Subscribe(ctx, handler)
package mailstore
