package app

// Version is overridden at build time with -ldflags "-X chatsync/internal/app.Version=...".
var Version = "0.1.0"
