package taler

// ProtocolVersion is the merchant protocol version advertised under
// "version" in the /config reply, in libtool current:revision:age form.
const ProtocolVersion = "0:0:0"
