// Package azurestorage is a client for the blob and queue REST services of a
// storage account, authorized with the account's shared key.
//
// Blob downloads are streamed: Stream hands the body to the caller as it
// arrives, StreamTo forwards it to an HTTP response and DownloadToFile writes
// it to disk with concurrent positional writes. UploadFile stages the blocks
// of a file in parallel and commits them in file order.
package azurestorage
