package message

// Result codes carried in RPCResponse.ErrorCode. Anything other than
// CodeSuccess is opaque to the calling side; services may define their own
// codes above CodeReservedMax.
const (
	CodeSuccess         int32 = 0
	CodeServiceNotFound int32 = 1
	CodeBadRequest      int32 = 2
	CodeApplication     int32 = 3
	CodeInternal        int32 = 4
	CodeTimeout         int32 = 5
	CodeRateLimited     int32 = 6

	CodeReservedMax int32 = 99
)

// Coder is implemented by service errors that choose their own result code.
type Coder interface {
	RPCCode() int32
}
