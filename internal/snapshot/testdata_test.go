package snapshot

const sampleYAML = `
triggers:
  - event_name: campaign_trigger
    rules:
      - experiment_id: exp-1
        experiment_group_id: grp-1
        expression: "user.plan == 'free'"
        occurrence:
          key: campaign-once-a-day
          max_count: 1
          interval: 1440
        variants:
          - id: var-a
            type: treatment
            percentage: 90
            paywall_id: pw-spring
          - id: var-h
            type: HOLDOUT
            percentage: 10
  - event_name: SessionStart
    rules:
      - experiment_id: exp-2
        language: jsonlogic
        expression: '{"==": [{"var": "params.source"}, "push"]}'
        variants:
          - id: var-b
            type: TREATMENT
            percentage: 100
            paywall_id: pw-onboarding
paywalls:
  - id: pw-spring
    name: Spring Sale
    url: https://paywalls.example.com/spring
    style: MODAL
    locales: [en-US, pt-BR]
    products: [monthly, annual]
  - id: pw-onboarding
    name: Onboarding
    url: https://paywalls.example.com/onboarding
`
