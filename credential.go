package main

import (
	"fmt"
	"strings"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/secretsmanager"
	"github.com/pulumi/pulumi-random/sdk/v4/go/random"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// Special characters considered for generated passwords before exclusions
// are applied.
const passwordSpecials = "!#$%&*()-_=+[]{}<>:?"

// Credential is a generated username/secret pair held in Secrets Manager.
// Consumers bind its fields by secret reference; the plaintext value never
// appears in any other resource definition.
type Credential struct {
	Username string
	Secret   *secretsmanager.Secret
	Version  *secretsmanager.SecretVersion

	password *random.RandomPassword
}

// GenerateCredential creates a credential record with the fixed username and
// a generated password. Characters listed in excludeCharacters are never used
// in the generated value.
func GenerateCredential(ctx *pulumi.Context, name, username, excludeCharacters string) (*Credential, error) {
	if username == "" {
		return nil, fmt.Errorf("credential %q: username must not be empty", name)
	}

	specials := passwordSpecials
	for _, c := range excludeCharacters {
		specials = strings.ReplaceAll(specials, string(c), "")
	}

	password, err := random.NewRandomPassword(ctx, fmt.Sprintf("%s-password", name), &random.RandomPasswordArgs{
		Length:          pulumi.Int(30),
		MinUpper:        pulumi.Int(1),
		MinLower:        pulumi.Int(1),
		MinNumeric:      pulumi.Int(1),
		Special:         pulumi.Bool(len(specials) > 0),
		OverrideSpecial: pulumi.String(specials),
	})
	if err != nil {
		return nil, err
	}

	secret, err := secretsmanager.NewSecret(ctx, name, &secretsmanager.SecretArgs{
		Description: pulumi.String(fmt.Sprintf("Generated credentials for %s", name)),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(name),
		},
	})
	if err != nil {
		return nil, err
	}

	version, err := secretsmanager.NewSecretVersion(ctx, fmt.Sprintf("%s-value", name), &secretsmanager.SecretVersionArgs{
		SecretId:     secret.ID(),
		SecretString: pulumi.Sprintf(`{"username":%q,"password":%q}`, username, password.Result),
	})
	if err != nil {
		return nil, err
	}

	return &Credential{
		Username: username,
		Secret:   secret,
		Version:  version,
		password: password,
	}, nil
}

// credentialFields are the JSON keys stored in the secret value.
var credentialFields = map[string]bool{
	"username": true,
	"password": true,
}

// fieldRef returns the by-reference binding for one field of the secret,
// in the <secret-arn>:<json-key>:: form the container scheduler resolves at
// deploy time.
func (c *Credential) fieldRef(field string) pulumi.StringOutput {
	return pulumi.Sprintf("%s:%s::", c.Secret.Arn, field)
}

// passwordValue exposes the generated value for resources that own the
// credential, such as the database master password.
func (c *Credential) passwordValue() pulumi.StringOutput {
	return c.password.Result
}
