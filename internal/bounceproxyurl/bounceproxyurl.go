// Package bounceproxyurl builds the bounce-proxy's HTTP URLs and provides
// the base<->full-send-URL translation the URL selector needs: the cache
// holds the canonical base form, and the send-message suffix is appended
// only when handing a URL to the HTTP driver.
package bounceproxyurl

import "strings"

const sendMessagePathAppendix = "message"

// Builder constructs bounce-proxy URLs from a configured base URL. A
// trailing slash on the base is idempotent.
type Builder struct {
	base string
}

func NewBuilder(base string) Builder {
	return Builder{base: strings.TrimRight(base, "/")}
}

func (b Builder) ChannelsBaseURL() string {
	return b.base + "/channels/"
}

func (b Builder) CreateChannelURL(channelID string) string {
	return b.base + "/channels/?ccid=" + channelID
}

func (b Builder) SendURL(channelID string) string {
	return b.base + "/channels/" + channelID + "/message/"
}

func (b Builder) DeleteChannelURL(channelID string) string {
	return b.base + "/channels/" + channelID + "/"
}

func (b Builder) TimeCheckURL() string {
	return b.base + "/time/"
}

// DefaultChannelURL synthesizes the base URL the URL selector uses when it
// cannot obtain a URL list for channelID from the channel-URL directory:
// the bounce-proxy channels base URL plus the channel id, with no
// message-path suffix yet.
func (b Builder) DefaultChannelURL(channelID string) string {
	return b.ChannelsBaseURL() + channelID
}

// AppendSendMessageSuffix turns a cached base channel URL into the URL the
// HTTP driver actually POSTs to.
func AppendSendMessageSuffix(base string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + sendMessagePathAppendix + "/"
}

// StripSendMessageSuffix is the inverse, used when normalizing a URL that
// failed so feedback can locate it in the cached base-form list.
func StripSendMessageSuffix(full string) string {
	full = strings.TrimSuffix(full, sendMessagePathAppendix+"/")
	return strings.TrimSuffix(full, "/")
}
