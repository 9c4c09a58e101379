package smtpserver

const (
	replyReady    = "220 %s SMTP service ready" // server hostname
	replyClosing  = "221 %s closing connection" // server hostname
	replyOK       = "250 OK"
	replyGreeting = "250 %s greets %s" // server hostname, client hostname
	replyAccepted = "250 Message accepted for delivery"

	replyStartInput = "354 Start mail input; end with <CRLF>.<CRLF>"

	replyLocalError = "451 Local error in processing"

	replyBadCommand  = "500 Unrecognized command"
	replyLineTooLong = "500 Line too long"
	replyBadSequence = "503 Bad sequence: '%s' required first" // required command
)
