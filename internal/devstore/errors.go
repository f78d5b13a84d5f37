package devstore

import (
	"encoding/xml"
	"net/http"
)

// s3Error is an S3 error code with the status and message it is sent with.
type s3Error struct {
	code    string
	status  int
	message string
}

var (
	errInternal          = s3Error{"InternalError", http.StatusInternalServerError, "We encountered an internal error. Please try again."}
	errNotImplemented    = s3Error{"NotImplemented", http.StatusNotImplemented, "A header you provided implies functionality that is not implemented."}
	errNoSuchBucket      = s3Error{"NoSuchBucket", http.StatusNotFound, "The specified bucket does not exist."}
	errNoSuchKey         = s3Error{"NoSuchKey", http.StatusNotFound, "The specified key does not exist."}
	errNoSuchUpload      = s3Error{"NoSuchUpload", http.StatusNotFound, "The specified multipart upload does not exist."}
	errBucketNotEmpty    = s3Error{"BucketNotEmpty", http.StatusConflict, "The bucket you tried to delete is not empty."}
	errBucketOwned       = s3Error{"BucketAlreadyOwnedByYou", http.StatusConflict, "Your previous request to create the named bucket succeeded and you already own it."}
	errInvalidBucketName = s3Error{"InvalidBucketName", http.StatusBadRequest, "The specified bucket is not valid."}
	errInvalidObjectName = s3Error{"InvalidObjectName", http.StatusBadRequest, "The specified key is not valid."}
	errInvalidPartNumber = s3Error{"InvalidArgument", http.StatusBadRequest, "Part number must be an integer between 1 and 10000."}
	errUnreadableBody    = s3Error{"InvalidRequest", http.StatusBadRequest, "Failed to read request body."}
	errMalformedXML      = s3Error{"MalformedXML", http.StatusBadRequest, "The XML you provided was not well-formed or did not validate against our published schema."}
	errNoParts           = s3Error{"InvalidRequest", http.StatusBadRequest, "You must specify at least one part."}
	errInvalidPart       = s3Error{"InvalidPart", http.StatusBadRequest, "One or more of the specified parts could not be found."}
	errInvalidPartOrder  = s3Error{"InvalidPartOrder", http.StatusBadRequest, "The list of parts was not in ascending order."}
)

func (e s3Error) withMessage(message string) s3Error {
	e.message = message
	return e
}

// write sends e as an S3 XML error document for the request's resource.
func (e s3Error) write(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(e.status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:     e.code,
		Message:  e.message,
		Resource: r.URL.Path,
	})
}
