package location

import (
	"errors"
	"fmt"

	"github.com/go-gum/unarchive"
	"github.com/go-playground/validator/v10"
)

// ClassName is the archived class name of an Address.
const ClassName = "Location.Address"

// Archive keys of an Address.
const (
	keyCity      = "city"
	keyCountry   = "country"
	keyISO       = "isoCode"
	keyZipCode   = "zipCode"
	keyStreet    = "street"
	keyLatitude  = "latitude"
	keyLongitude = "longitude"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Address is a postal address with its position.
type Address struct {
	Street   string `validate:"required"`
	ZipCode  string
	City     City `validate:"required"`
	Location Coordinate
}

var (
	_ unarchive.ArchiveMarshaler   = (*Address)(nil)
	_ unarchive.ArchiveUnmarshaler = (*Address)(nil)
)

// Register adds Address to registry, under ClassName and under its unqualified name.
func Register(registry *unarchive.Registry) error {
	unarchive.Register[Address](registry, ClassName)
	return registry.Alias("Address", ClassName)
}

func (a *Address) Country() Country {
	return a.City.Country
}

func (a *Address) String() string {
	return fmt.Sprintf("%s, %s %s", a.Street, a.ZipCode, a.City)
}

// Validate checks that all required parts of the address are present.
func (a *Address) Validate() error {
	return validate.Struct(a)
}

// MarshalArchive writes the address using flat keys, city and country are not
// archived as objects of their own.
func (a *Address) MarshalArchive(e *unarchive.ObjectEncoder) error {
	return errors.Join(
		e.EncodeString(keyCity, a.City.Name),
		e.EncodeString(keyCountry, a.City.Country.Name),
		e.EncodeString(keyISO, a.City.Country.ISO),
		e.EncodeString(keyStreet, a.Street),
		e.EncodeString(keyZipCode, a.ZipCode),
		e.EncodeFloat(keyLatitude, a.Location.Latitude),
		e.EncodeFloat(keyLongitude, a.Location.Longitude),
	)
}

func (a *Address) UnmarshalArchive(d *unarchive.ObjectDecoder) error {
	var err error

	required := func(key string) string {
		value, decodeErr := d.DecodeString(key)
		err = errors.Join(err, decodeErr)
		return value
	}

	optional := func(key string) string {
		value, decodeErr := d.DecodeString(key)
		if !errors.Is(decodeErr, unarchive.ErrNoValue) {
			err = errors.Join(err, decodeErr)
		}
		return value
	}

	coordinate := func(key string) float64 {
		value, decodeErr := d.DecodeFloat(key)
		if !errors.Is(decodeErr, unarchive.ErrNoValue) {
			err = errors.Join(err, decodeErr)
		}
		return value
	}

	*a = Address{
		Street:  required(keyStreet),
		ZipCode: optional(keyZipCode),
		City: City{
			Name: required(keyCity),
			Country: Country{
				Name: required(keyCountry),
				ISO:  required(keyISO),
			},
		},
		Location: Coordinate{
			Latitude:  coordinate(keyLatitude),
			Longitude: coordinate(keyLongitude),
		},
	}

	return err
}

// Keys of an address dictionary as produced by geocoders.
const (
	DictionaryStreet      = "Street"
	DictionaryZIP         = "ZIP"
	DictionaryCity        = "City"
	DictionaryCountry     = "Country"
	DictionaryCountryCode = "CountryCode"
)

// Dictionary returns the address as a geocoder address dictionary. Empty parts are omitted.
func (a *Address) Dictionary() map[string]string {
	dict := map[string]string{}

	for key, value := range map[string]string{
		DictionaryStreet:      a.Street,
		DictionaryZIP:         a.ZipCode,
		DictionaryCity:        a.City.Name,
		DictionaryCountry:     a.City.Country.Name,
		DictionaryCountryCode: a.City.Country.ISO,
	} {
		if value != "" {
			dict[key] = value
		}
	}

	return dict
}

// AddressFromDictionary builds a validated address at position from a geocoder
// address dictionary.
func AddressFromDictionary(dict map[string]string, position Coordinate) (*Address, error) {
	address := &Address{
		Street:  dict[DictionaryStreet],
		ZipCode: dict[DictionaryZIP],
		City: City{
			Name: dict[DictionaryCity],
			Country: Country{
				Name: dict[DictionaryCountry],
				ISO:  dict[DictionaryCountryCode],
			},
		},
		Location: position,
	}

	if err := address.Validate(); err != nil {
		return nil, fmt.Errorf("address dictionary: %w", err)
	}

	return address, nil
}
