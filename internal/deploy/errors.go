package deploy

import (
	"errors"

	"github.com/aws/smithy-go"
)

func errorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func isMissingBucket(err error) bool {
	switch errorCode(err) {
	case "NoSuchBucket", "NotFound":
		return true
	}
	return false
}

func isNoSuchEntity(err error) bool {
	return errorCode(err) == "NoSuchEntity"
}

func isResourceNotFound(err error) bool {
	switch errorCode(err) {
	case "ResourceNotFoundException", "NoSuchConfigurationRecorderException", "NoSuchDeliveryChannelException":
		return true
	}
	return false
}
