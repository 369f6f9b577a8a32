// Package common holds helpers shared by the source and sink packages.
package common

import (
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ClientOptions builds Google API client options. An emulator host takes
// precedence over credentials and disables authentication and TLS.
func ClientOptions(emulatorHost, credentialsFile string) []option.ClientOption {
	if emulatorHost != "" {
		return []option.ClientOption{
			option.WithEndpoint(emulatorHost),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		}
	}
	if credentialsFile != "" {
		return []option.ClientOption{option.WithCredentialsFile(credentialsFile)}
	}
	return nil
}
