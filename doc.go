/*
Package channelctl is a tool for publishing and mirroring conda-style
package channels.

channelctl merges a selected name/version subset of a locally built
channel into the matching remote channel's per-architecture repodata
index. It supports two kinds of remote channels:

  - an HTTP package registry fronted by an external publishing tool
  - a direct FTP/FTPS endpoint, with a directory-based distributed lock
    so that concurrent publishers cannot corrupt the remote index

The main packages are:

	github.com/channelctl/channelctl/internal/channel  - channel data model, repodata serialization, local indexer
	github.com/channelctl/channelctl/internal/publish  - transports, connection dispatch, remote locking
	github.com/channelctl/channelctl/cmd/channelctl    - command-line interface
*/
package channelctl
